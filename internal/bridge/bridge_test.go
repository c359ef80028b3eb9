package bridge

import (
	"testing"
)

type recordedPublish struct {
	topic  string
	entity any
}

type spyPublisher struct {
	published []recordedPublish
}

func (s *spyPublisher) Publish(topic string, entity any) {
	s.published = append(s.published, recordedPublish{topic: topic, entity: entity})
}

func TestTopicDerivationIsDeterministic(t *testing.T) {
	if CommentTopic("post-42") != CommentTopic("post-42") {
		t.Fatal("comment topic derivation must be deterministic")
	}
	if CommentTopic("post-42") != "COMMENT_ADDED:post-42" {
		t.Fatalf("unexpected comment topic %s", CommentTopic("post-42"))
	}
	if ChatTopic("chat-7") != "CHAT:chat-7" {
		t.Fatalf("unexpected chat topic %s", ChatTopic("chat-7"))
	}
	if CommentTopic("post-1") == CommentTopic("post-2") {
		t.Fatal("distinct scopes must derive distinct topics")
	}
}

func TestEventsRouteToDerivedTopics(t *testing.T) {
	spy := &spyPublisher{}
	events := NewEvents(spy, nil)

	events.PostLiked("liked-post")
	events.PostUpdated("updated-post")
	events.PostDeleted("post-9")
	events.CommentAdded("post-42", "new-comment")
	events.MessageSent("chat-7", "new-message")
	events.NotificationCreated("new-notification")

	expected := []recordedPublish{
		{topic: "POST_LIKED", entity: "liked-post"},
		{topic: "POST_UPDATED", entity: "updated-post"},
		{topic: "POST_DELETED", entity: DeletedPost{ID: "post-9"}},
		{topic: "COMMENT_ADDED:post-42", entity: "new-comment"},
		{topic: "CHAT:chat-7", entity: "new-message"},
		{topic: "NOTIFICATIONS", entity: "new-notification"},
	}

	if len(spy.published) != len(expected) {
		t.Fatalf("expected %d publishes, got %d", len(expected), len(spy.published))
	}
	for index, want := range expected {
		got := spy.published[index]
		if got.topic != want.topic {
			t.Fatalf("publish %d: expected topic %s, got %s", index, want.topic, got.topic)
		}
		if got.entity != want.entity {
			t.Fatalf("publish %d: expected entity %v, got %v", index, want.entity, got.entity)
		}
	}
}

func TestEventsWithoutPublisherAreDropped(t *testing.T) {
	events := NewEvents(nil, nil)
	events.PostLiked("post")
	events.PostDeleted("post-1")
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(string, any) {
	panic("bus unavailable")
}

func TestPublishFailureDoesNotPropagate(t *testing.T) {
	events := NewEvents(panickingPublisher{}, nil)
	events.MessageSent("chat-1", "message")
}

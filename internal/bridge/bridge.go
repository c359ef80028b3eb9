package bridge

import (
	"go.uber.org/zap"
)

// Topic names for the globally broadcast event streams. Scoped topics are
// derived through CommentTopic and ChatTopic. The same logical event always
// maps to the same topic string.
const (
	TopicPostLiked     = "POST_LIKED"
	TopicPostUpdated   = "POST_UPDATED"
	TopicPostDeleted   = "POST_DELETED"
	TopicNotifications = "NOTIFICATIONS"

	commentTopicPrefix = "COMMENT_ADDED"
	chatTopicPrefix    = "CHAT"
)

// CommentTopic derives the per-post topic carrying new comments.
func CommentTopic(postID string) string {
	return commentTopicPrefix + ":" + postID
}

// ChatTopic derives the per-chat topic carrying new messages.
func ChatTopic(chatID string) string {
	return chatTopicPrefix + ":" + chatID
}

// DeletedPost is the payload published when a post is removed. Only the
// identifier survives deletion, so only the identifier is broadcast.
type DeletedPost struct {
	ID string `json:"id"`
}

// Publisher is the outbound event capability the bridge writes to. The
// in-process event bus satisfies it; tests substitute a spy.
type Publisher interface {
	Publish(topic string, entity any)
}

// Events turns committed mutations into published envelopes. It runs strictly
// after the store write: a failed write never reaches the bridge, and a
// failed publish never fails the mutation.
type Events struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewEvents constructs the bridge. A nil publisher yields a bridge whose
// notifications are dropped, which keeps persistence-only callers working.
func NewEvents(publisher Publisher, logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{publisher: publisher, logger: logger}
}

// PostLiked broadcasts the full post with its updated likes list. Both like
// and unlike land here: subscribers always receive the current likes.
func (e *Events) PostLiked(post any) {
	e.publish(TopicPostLiked, post)
}

// PostUpdated broadcasts the full post with its new content.
func (e *Events) PostUpdated(post any) {
	e.publish(TopicPostUpdated, post)
}

// PostDeleted broadcasts the deleted post's identifier.
func (e *Events) PostDeleted(postID string) {
	e.publish(TopicPostDeleted, DeletedPost{ID: postID})
}

// CommentAdded publishes the full comment on the per-post comment topic.
func (e *Events) CommentAdded(postID string, comment any) {
	e.publish(CommentTopic(postID), comment)
}

// MessageSent publishes the full message on the per-chat topic.
func (e *Events) MessageSent(chatID string, message any) {
	e.publish(ChatTopic(chatID), message)
}

// NotificationCreated broadcasts a populated notification. The topic is
// global; receiving clients filter by recipient.
func (e *Events) NotificationCreated(notification any) {
	e.publish(TopicNotifications, notification)
}

func (e *Events) publish(topic string, entity any) {
	if e == nil || e.publisher == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			// Real-time delivery is best effort; persistence already succeeded.
			e.logger.Error("event publish failed",
				zap.String("topic", topic),
				zap.Any("panic", recovered))
		}
	}()
	e.publisher.Publish(topic, entity)
	e.logger.Debug("event published", zap.String("topic", topic))
}

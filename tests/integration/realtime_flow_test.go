package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ripplehq/ripple/backend/client"
	"github.com/ripplehq/ripple/backend/internal/auth"
	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/bus"
	"github.com/ripplehq/ripple/backend/internal/chats"
	"github.com/ripplehq/ripple/backend/internal/database"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"github.com/ripplehq/ripple/backend/internal/posts"
	"github.com/ripplehq/ripple/backend/internal/server"
	"github.com/ripplehq/ripple/backend/internal/users"
)

const deliveryWindow = 3 * time.Second

func startApplication(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	eventBus := bus.New()
	events := bridge.NewEvents(eventBus, nil)
	idProvider := ids.NewUUIDProvider()

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database: db, IDProvider: idProvider, Events: events,
	})
	if err != nil {
		t.Fatalf("failed to build notification service: %v", err)
	}
	postService, err := posts.NewService(posts.ServiceConfig{
		Database: db, IDProvider: idProvider, Events: events,
		Following: userService, Notifier: notificationService,
	})
	if err != nil {
		t.Fatalf("failed to build post service: %v", err)
	}
	chatService, err := chats.NewService(chats.ServiceConfig{
		Database: db, IDProvider: idProvider, Events: events, Notifier: notificationService,
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("integration-secret")}),
		Users:         userService,
		Posts:         postService,
		Chats:         chatService,
		Notifications: notificationService,
		Bus:           eventBus,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	appServer := httptest.NewServer(handler)
	t.Cleanup(appServer.Close)
	return appServer
}

type account struct {
	ID          string `json:"id"`
	AccessToken string
}

func registerAccount(t *testing.T, appServer *httptest.Server, username string) account {
	t.Helper()
	payload := map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "a long passphrase",
		"name":     username,
	}
	var response struct {
		AccessToken string `json:"accessToken"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	postJSON(t, appServer, "/auth/register", "", payload, &response)
	return account{ID: response.User.ID, AccessToken: response.AccessToken}
}

func postJSON(t *testing.T, appServer *httptest.Server, path, token string, body any, out any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, appServer.URL+path, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := appServer.Client().Do(request)
	if err != nil {
		t.Fatalf("request to %s failed: %v", path, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		t.Fatalf("request to %s returned status %d", path, response.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response of %s: %v", path, err)
		}
	}
}

// TestCommentFanOutIntoClientCache walks the full path: a mutation over
// HTTP lands in the store, crosses the bus and the websocket gateway, and
// converges in a subscriber's normalized cache.
func TestCommentFanOutIntoClientCache(t *testing.T) {
	appServer := startApplication(t)
	viewer := registerAccount(t, appServer, "ada")
	commenter := registerAccount(t, appServer, "grace")

	var post struct {
		ID string `json:"id"`
	}
	postJSON(t, appServer, "/posts", viewer.AccessToken, map[string]any{"content": "watch this"}, &post)

	cache := client.NewCache(nil)
	if err := cache.RegisterCursor("comments:"+post.ID, "Comment", client.AppendToEnd); err != nil {
		t.Fatalf("failed to register cursor: %v", err)
	}
	if err := cache.BeginFirstPage("comments:" + post.ID); err != nil {
		t.Fatalf("failed to begin first page: %v", err)
	}
	if err := cache.ApplyPage("comments:"+post.ID, 0, nil); err != nil {
		t.Fatalf("failed to apply empty first page: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber, err := client.Dial(ctx, appServer.URL, viewer.AccessToken, nil)
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	defer subscriber.Close()

	received := make(chan map[string]any, 4)
	err = subscriber.Subscribe("comments-sub", "commentAdded", map[string]string{"postId": post.ID}, func(entity json.RawMessage) {
		var fields map[string]any
		if err := json.Unmarshal(entity, &fields); err != nil {
			t.Errorf("failed to decode pushed entity: %v", err)
			return
		}
		received <- fields
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		_ = subscriber.Listen(ctx)
	}()

	// Give the gateway a moment to register the handle on the bus.
	time.Sleep(100 * time.Millisecond)

	postJSON(t, appServer, "/posts/"+post.ID+"/comments", commenter.AccessToken, map[string]any{"content": "hi"}, nil)

	select {
	case fields := <-received:
		if fields["content"] != "hi" {
			t.Fatalf("expected the comment content delivered, got %v", fields["content"])
		}
		commentID, _ := fields["id"].(string)
		if commentID == "" {
			t.Fatalf("expected an id on the pushed comment, got %v", fields)
		}
		if err := cache.ApplyPush("comments:"+post.ID, client.Entity{Kind: "Comment", ID: commentID, Fields: fields}); err != nil {
			t.Fatalf("failed to merge the push: %v", err)
		}
		ids, err := cache.CursorIDs("comments:" + post.ID)
		if err != nil {
			t.Fatalf("failed to read cursor: %v", err)
		}
		if len(ids) != 1 || ids[0] != commentID {
			t.Fatalf("expected exactly the pushed comment in the cursor, got %v", ids)
		}
	case <-time.After(deliveryWindow):
		t.Fatal("the comment never reached the subscriber")
	}

	// No stray frame follows the single mutation.
	select {
	case extra := <-received:
		t.Fatalf("expected a single delivery, got a second one: %v", extra)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case <-listenDone:
	case <-time.After(deliveryWindow):
		t.Fatal("listener failed to stop after cancellation")
	}
}

// TestLikeBroadcastSkipsOtherTopics subscribes to two templates and checks
// a like mutation only surfaces on the like topic.
func TestLikeBroadcastSkipsOtherTopics(t *testing.T) {
	appServer := startApplication(t)
	viewer := registerAccount(t, appServer, "ada")
	fan := registerAccount(t, appServer, "grace")

	var post struct {
		ID string `json:"id"`
	}
	postJSON(t, appServer, "/posts", viewer.AccessToken, map[string]any{"content": "likeable"}, &post)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber, err := client.Dial(ctx, appServer.URL, viewer.AccessToken, nil)
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	defer subscriber.Close()

	likes := make(chan json.RawMessage, 4)
	deletes := make(chan json.RawMessage, 4)
	if err := subscriber.Subscribe("likes", "postLiked", nil, func(entity json.RawMessage) { likes <- entity }); err != nil {
		t.Fatalf("failed to subscribe to likes: %v", err)
	}
	if err := subscriber.Subscribe("deletes", "postDeleted", nil, func(entity json.RawMessage) { deletes <- entity }); err != nil {
		t.Fatalf("failed to subscribe to deletes: %v", err)
	}
	go func() { _ = subscriber.Listen(ctx) }()
	time.Sleep(100 * time.Millisecond)

	postJSON(t, appServer, "/posts/"+post.ID+"/like", fan.AccessToken, nil, nil)

	select {
	case entity := <-likes:
		var liked struct {
			ID    string `json:"id"`
			Likes []struct {
				ID string `json:"id"`
			} `json:"likes"`
		}
		if err := json.Unmarshal(entity, &liked); err != nil {
			t.Fatalf("failed to decode like payload: %v", err)
		}
		if liked.ID != post.ID || len(liked.Likes) != 1 || liked.Likes[0].ID != fan.ID {
			t.Fatalf("unexpected like payload %s", string(entity))
		}
	case <-time.After(deliveryWindow):
		t.Fatal("the like never reached the subscriber")
	}

	select {
	case entity := <-deletes:
		t.Fatalf("a like must not surface on the delete topic, got %s", string(entity))
	case <-time.After(300 * time.Millisecond):
	}
}

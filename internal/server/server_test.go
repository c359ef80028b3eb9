package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ripplehq/ripple/backend/internal/auth"
	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/bus"
	"github.com/ripplehq/ripple/backend/internal/chats"
	"github.com/ripplehq/ripple/backend/internal/database"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"github.com/ripplehq/ripple/backend/internal/posts"
	"github.com/ripplehq/ripple/backend/internal/users"
)

type testEnvironment struct {
	server *httptest.Server
	bus    *bus.Bus
}

func newTestEnvironment(t *testing.T) *testEnvironment {
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
		Database:   db,
		IDProvider: idProvider,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("failed to build notification service: %v", err)
	}
	postService, err := posts.NewService(posts.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Events:     events,
		Following:  userService,
		Notifier:   notificationService,
	})
	if err != nil {
		t.Fatalf("failed to build post service: %v", err)
	}
	chatService, err := chats.NewService(chats.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Events:     events,
		Notifier:   notificationService,
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("server-test-secret")})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:  issuer,
		Users:         userService,
		Posts:         postService,
		Chats:         chatService,
		Notifications: notificationService,
		Bus:           eventBus,
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{server: server, bus: eventBus}
}

// doJSON issues a request with an optional bearer token and decodes the
// JSON response into out when out is non-nil.
func (env *testEnvironment) doJSON(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	request, err := http.NewRequest(method, env.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set(authorizationHeaderName, bearerPrefix+token)
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response of %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type authenticatedUser struct {
	id           string
	accessToken  string
	refreshToken string
}

func (env *testEnvironment) registerUser(t *testing.T, username string) authenticatedUser {
	t.Helper()

	var response tokenResponse
	status := env.doJSON(t, http.MethodPost, "/auth/register", "", registerRequest{
		Username: username,
		Email:    fmt.Sprintf("%s@example.com", username),
		Password: "correct horse battery staple",
		Name:     username,
	}, &response)
	if status != http.StatusOK {
		t.Fatalf("registration of %s returned status %d", username, status)
	}
	return authenticatedUser{
		id:           response.User.ID,
		accessToken:  response.AccessToken,
		refreshToken: response.RefreshToken,
	}
}

func TestRegisterLoginAndCurrentUser(t *testing.T) {
	env := newTestEnvironment(t)
	registered := env.registerUser(t, "ada")

	var login tokenResponse
	status := env.doJSON(t, http.MethodPost, "/auth/login", "", loginRequest{
		Email:    "ada@example.com",
		Password: "correct horse battery staple",
	}, &login)
	if status != http.StatusOK {
		t.Fatalf("login returned status %d", status)
	}
	if login.User.ID != registered.id {
		t.Fatalf("login returned user %s, registered %s", login.User.ID, registered.id)
	}

	var me users.User
	status = env.doJSON(t, http.MethodGet, "/me", login.AccessToken, nil, &me)
	if status != http.StatusOK {
		t.Fatalf("GET /me returned status %d", status)
	}
	if me.Username != "ada" {
		t.Fatalf("expected username ada, got %s", me.Username)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnvironment(t)
	env.registerUser(t, "ada")

	status := env.doJSON(t, http.MethodPost, "/auth/login", "", loginRequest{
		Email:    "ada@example.com",
		Password: "not the password",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", status)
	}
}

func TestDuplicateUsernameConflicts(t *testing.T) {
	env := newTestEnvironment(t)
	env.registerUser(t, "ada")

	status := env.doJSON(t, http.MethodPost, "/auth/register", "", registerRequest{
		Username: "ada",
		Email:    "other@example.com",
		Password: "another password",
	}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", status)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnvironment(t)

	if status := env.doJSON(t, http.MethodGet, "/me", "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status := env.doJSON(t, http.MethodGet, "/posts", "not-a-token", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", status)
	}
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	env := newTestEnvironment(t)
	registered := env.registerUser(t, "ada")

	var refreshed tokenResponse
	status := env.doJSON(t, http.MethodPost, "/auth/refresh", "", refreshRequest{
		RefreshToken: registered.refreshToken,
	}, &refreshed)
	if status != http.StatusOK {
		t.Fatalf("refresh returned status %d", status)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected a fresh access token")
	}

	// An access token must not pass as a refresh token.
	status = env.doJSON(t, http.MethodPost, "/auth/refresh", "", refreshRequest{
		RefreshToken: registered.accessToken,
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 when refreshing with an access token, got %d", status)
	}
}

func TestPostLifecycle(t *testing.T) {
	env := newTestEnvironment(t)
	author := env.registerUser(t, "ada")

	var created posts.Post
	status := env.doJSON(t, http.MethodPost, "/posts", author.accessToken, postRequest{Content: "first post"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create post returned status %d", status)
	}

	var updated posts.Post
	status = env.doJSON(t, http.MethodPatch, "/posts/"+created.ID, author.accessToken, postRequest{Content: "edited"}, &updated)
	if status != http.StatusOK {
		t.Fatalf("update post returned status %d", status)
	}
	if updated.Content != "edited" {
		t.Fatalf("expected edited content, got %q", updated.Content)
	}

	status = env.doJSON(t, http.MethodDelete, "/posts/"+created.ID, author.accessToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete post returned status %d", status)
	}
	status = env.doJSON(t, http.MethodGet, "/posts/"+created.ID, author.accessToken, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestEditingForeignPostIsForbidden(t *testing.T) {
	env := newTestEnvironment(t)
	author := env.registerUser(t, "ada")
	intruder := env.registerUser(t, "mallory")

	var created posts.Post
	if status := env.doJSON(t, http.MethodPost, "/posts", author.accessToken, postRequest{Content: "mine"}, &created); status != http.StatusCreated {
		t.Fatalf("create post returned status %d", status)
	}

	status := env.doJSON(t, http.MethodPatch, "/posts/"+created.ID, intruder.accessToken, postRequest{Content: "stolen"}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign edit, got %d", status)
	}
}

func TestDoubleLikeConflicts(t *testing.T) {
	env := newTestEnvironment(t)
	author := env.registerUser(t, "ada")
	fan := env.registerUser(t, "grace")

	var created posts.Post
	if status := env.doJSON(t, http.MethodPost, "/posts", author.accessToken, postRequest{Content: "likeable"}, &created); status != http.StatusCreated {
		t.Fatalf("create post returned status %d", status)
	}

	var liked posts.Post
	if status := env.doJSON(t, http.MethodPost, "/posts/"+created.ID+"/like", fan.accessToken, nil, &liked); status != http.StatusOK {
		t.Fatalf("like returned status %d", status)
	}
	if len(liked.Likes) != 1 {
		t.Fatalf("expected one like, got %d", len(liked.Likes))
	}

	status := env.doJSON(t, http.MethodPost, "/posts/"+created.ID+"/like", fan.accessToken, nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for repeated like, got %d", status)
	}
}

func TestFollowFeedAndUnfollow(t *testing.T) {
	env := newTestEnvironment(t)
	author := env.registerUser(t, "ada")
	follower := env.registerUser(t, "grace")

	if status := env.doJSON(t, http.MethodPost, "/users/"+author.id+"/follow", follower.accessToken, nil, nil); status != http.StatusOK {
		t.Fatalf("follow returned status %d", status)
	}
	if status := env.doJSON(t, http.MethodPost, "/users/"+author.id+"/follow", follower.accessToken, nil, nil); status != http.StatusConflict {
		t.Fatalf("expected 409 for repeated follow, got %d", status)
	}

	var created posts.Post
	if status := env.doJSON(t, http.MethodPost, "/posts", author.accessToken, postRequest{Content: "hello followers"}, &created); status != http.StatusCreated {
		t.Fatalf("create post returned status %d", status)
	}

	var feed struct {
		Posts []posts.Post `json:"posts"`
	}
	if status := env.doJSON(t, http.MethodGet, "/feed", follower.accessToken, nil, &feed); status != http.StatusOK {
		t.Fatalf("feed returned status %d", status)
	}
	if len(feed.Posts) != 1 || feed.Posts[0].ID != created.ID {
		t.Fatalf("expected the followed author's post in the feed, got %+v", feed.Posts)
	}

	if status := env.doJSON(t, http.MethodDelete, "/users/"+author.id+"/follow", follower.accessToken, nil, nil); status != http.StatusOK {
		t.Fatalf("unfollow returned status %d", status)
	}
}

func TestCommentCreationNotifiesAuthor(t *testing.T) {
	env := newTestEnvironment(t)
	author := env.registerUser(t, "ada")
	commenter := env.registerUser(t, "grace")

	var created posts.Post
	if status := env.doJSON(t, http.MethodPost, "/posts", author.accessToken, postRequest{Content: "discuss"}, &created); status != http.StatusCreated {
		t.Fatalf("create post returned status %d", status)
	}

	var comment posts.Comment
	status := env.doJSON(t, http.MethodPost, "/posts/"+created.ID+"/comments", commenter.accessToken, commentRequest{Content: "nice"}, &comment)
	if status != http.StatusCreated {
		t.Fatalf("create comment returned status %d", status)
	}

	var unread struct {
		Count int64 `json:"count"`
	}
	if status := env.doJSON(t, http.MethodGet, "/notifications/unread-count", author.accessToken, nil, &unread); status != http.StatusOK {
		t.Fatalf("unread count returned status %d", status)
	}
	if unread.Count != 1 {
		t.Fatalf("expected one unread notification for the author, got %d", unread.Count)
	}

	// The commenter notified themselves about nothing.
	if status := env.doJSON(t, http.MethodGet, "/notifications/unread-count", commenter.accessToken, nil, &unread); status != http.StatusOK {
		t.Fatalf("unread count returned status %d", status)
	}
	if unread.Count != 0 {
		t.Fatalf("expected no notifications for the commenter, got %d", unread.Count)
	}
}

func TestChatMessagingBetweenParticipants(t *testing.T) {
	env := newTestEnvironment(t)
	first := env.registerUser(t, "ada")
	second := env.registerUser(t, "grace")
	outsider := env.registerUser(t, "mallory")

	var chat chats.Chat
	status := env.doJSON(t, http.MethodPost, "/chats", first.accessToken, chatRequest{
		ParticipantIDs: []string{second.id},
	}, &chat)
	if status != http.StatusCreated {
		t.Fatalf("create chat returned status %d", status)
	}

	var message chats.Message
	status = env.doJSON(t, http.MethodPost, "/chats/"+chat.ID+"/messages", second.accessToken, messageRequest{Content: "hi"}, &message)
	if status != http.StatusCreated {
		t.Fatalf("send message returned status %d", status)
	}
	if message.Sender.ID != second.id {
		t.Fatalf("expected sender %s, got %s", second.id, message.Sender.ID)
	}

	// Non-participants see the chat as missing, not as forbidden.
	status = env.doJSON(t, http.MethodGet, "/chats/"+chat.ID, outsider.accessToken, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for an outsider, got %d", status)
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ripplehq/ripple/backend/internal/bus"
	"github.com/ripplehq/ripple/backend/internal/chats"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"github.com/ripplehq/ripple/backend/internal/posts"
	"github.com/ripplehq/ripple/backend/internal/users"
)

const (
	authorizationHeaderName = "Authorization"
	bearerPrefix            = "Bearer "
	userIDContextKey        = "ripple.user_id"
)

var (
	errMissingTokenManager = errors.New("server: token manager is required")
	errMissingUserService  = errors.New("server: user service is required")
	errMissingPostService  = errors.New("server: post service is required")
	errMissingChatService  = errors.New("server: chat service is required")
	errMissingNotifService = errors.New("server: notification service is required")
	errMissingBus          = errors.New("server: event bus is required")
)

// TokenManager issues and validates the bearer tokens guarding the API.
type TokenManager interface {
	IssueAccessToken(ctx context.Context, userID string) (string, int64, error)
	IssueRefreshToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(tokenString string) (string, error)
	ValidateRefreshToken(tokenString string) (string, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	TokenManager  TokenManager
	Users         *users.Service
	Posts         *posts.Service
	Chats         *chats.Service
	Notifications *notifications.Service
	Bus           *bus.Bus
	Logger        *zap.Logger
}

func (d Dependencies) validate() error {
	if d.TokenManager == nil {
		return errMissingTokenManager
	}
	if d.Users == nil {
		return errMissingUserService
	}
	if d.Posts == nil {
		return errMissingPostService
	}
	if d.Chats == nil {
		return errMissingChatService
	}
	if d.Notifications == nil {
		return errMissingNotifService
	}
	if d.Bus == nil {
		return errMissingBus
	}
	return nil
}

// NewHTTPHandler assembles the gin engine with every route of the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", authorizationHeaderName},
	}))

	api := &apiHandlers{deps: deps, logger: deps.Logger}
	gateway := newGateway(gatewayConfig{
		Bus:          deps.Bus,
		TokenManager: deps.TokenManager,
		Logger:       deps.Logger,
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := engine.Group("/auth")
	{
		authGroup.POST("/register", api.register)
		authGroup.POST("/login", api.login)
		authGroup.POST("/refresh", api.refresh)
	}

	protected := engine.Group("/")
	protected.Use(api.authorizeRequest)
	{
		protected.GET("/me", api.currentUser)
		protected.PATCH("/me", api.updateProfile)
		protected.GET("/users/:id", api.getUser)
		protected.GET("/users/:id/posts", api.getUserPosts)
		protected.POST("/users/:id/follow", api.followUser)
		protected.DELETE("/users/:id/follow", api.unfollowUser)
		protected.GET("/search/users", api.searchUsers)

		protected.GET("/feed", api.getFeed)
		protected.GET("/media", api.getMediaPosts)
		protected.GET("/posts", api.getPosts)
		protected.POST("/posts", api.createPost)
		protected.GET("/posts/:id", api.getPost)
		protected.PATCH("/posts/:id", api.updatePost)
		protected.DELETE("/posts/:id", api.deletePost)
		protected.POST("/posts/:id/like", api.likePost)
		protected.DELETE("/posts/:id/like", api.unlikePost)
		protected.GET("/posts/:id/comments", api.getComments)
		protected.POST("/posts/:id/comments", api.createComment)
		protected.DELETE("/comments/:id", api.deleteComment)
		protected.POST("/comments/:id/like", api.likeComment)
		protected.DELETE("/comments/:id/like", api.unlikeComment)

		protected.GET("/chats", api.getChats)
		protected.POST("/chats", api.createChat)
		protected.GET("/chats/:id", api.getChat)
		protected.POST("/chats/:id/messages", api.sendMessage)

		protected.GET("/notifications", api.listNotifications)
		protected.GET("/notifications/unread-count", api.unreadCount)
		protected.POST("/notifications/read", api.markNotificationRead)
		protected.POST("/notifications/read-all", api.markAllNotificationsRead)
	}

	// The websocket handshake carries the token in the query string because
	// browsers cannot set headers on websocket upgrades.
	engine.GET("/subscriptions", gateway.handleSubscriptions)

	return engine, nil
}

type apiHandlers struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *apiHandlers) authorizeRequest(c *gin.Context) {
	header := c.GetHeader(authorizationHeaderName)
	if !strings.HasPrefix(header, bearerPrefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	userID, err := h.deps.TokenManager.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// respondError maps domain sentinels onto HTTP statuses. Anything unmapped
// is a 500 and gets logged with the request path.
func (h *apiHandlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, users.ErrUserNotFound),
		errors.Is(err, posts.ErrPostNotFound),
		errors.Is(err, posts.ErrCommentNotFound),
		errors.Is(err, chats.ErrChatNotFound),
		errors.Is(err, chats.ErrParticipantNotFound),
		errors.Is(err, notifications.ErrNotificationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, users.ErrUsernameTaken),
		errors.Is(err, users.ErrEmailTaken),
		errors.Is(err, users.ErrAlreadyFollowing),
		errors.Is(err, users.ErrNotFollowing),
		errors.Is(err, users.ErrSelfFollow),
		errors.Is(err, posts.ErrAlreadyLiked),
		errors.Is(err, posts.ErrNotLiked):
		status = http.StatusConflict
	case errors.Is(err, users.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, posts.ErrNotAuthor):
		status = http.StatusForbidden
	case errors.Is(err, users.ErrInvalidInput),
		errors.Is(err, chats.ErrInvalidInput),
		errors.Is(err, posts.ErrEmptyContent):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    int64      `json:"expiresAt"`
	User         users.User `json:"user"`
}

func (h *apiHandlers) issueTokens(c *gin.Context, account users.User) {
	accessToken, expiresAt, err := h.deps.TokenManager.IssueAccessToken(c.Request.Context(), account.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	refreshToken, _, err := h.deps.TokenManager.IssueRefreshToken(c.Request.Context(), account.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		User:         account,
	})
}

func (h *apiHandlers) register(c *gin.Context) {
	var request registerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	account, err := h.deps.Users.Register(c.Request.Context(), users.RegisterInput{
		Username: request.Username,
		Email:    request.Email,
		Password: request.Password,
		Name:     request.Name,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueTokens(c, account)
}

func (h *apiHandlers) login(c *gin.Context) {
	var request loginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	account, err := h.deps.Users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueTokens(c, account)
}

func (h *apiHandlers) refresh(c *gin.Context) {
	var request refreshRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	userID, err := h.deps.TokenManager.ValidateRefreshToken(request.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	account, err := h.deps.Users.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueTokens(c, account)
}

func (h *apiHandlers) currentUser(c *gin.Context) {
	account, err := h.deps.Users.GetUser(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

type profileRequest struct {
	Bio    *string `json:"bio"`
	Avatar *string `json:"avatar"`
}

func (h *apiHandlers) updateProfile(c *gin.Context) {
	var request profileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	account, err := h.deps.Users.UpdateProfile(c.Request.Context(), callerID(c), users.ProfileUpdate{
		Bio:    request.Bio,
		Avatar: request.Avatar,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *apiHandlers) getUser(c *gin.Context) {
	account, err := h.deps.Users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *apiHandlers) searchUsers(c *gin.Context) {
	matches, err := h.deps.Users.SearchUsers(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": matches})
}

func (h *apiHandlers) followUser(c *gin.Context) {
	followee, err := h.deps.Users.FollowUser(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, followee)
}

func (h *apiHandlers) unfollowUser(c *gin.Context) {
	followee, err := h.deps.Users.UnfollowUser(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, followee)
}

func pagination(c *gin.Context) (int, int) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

type postRequest struct {
	Content string   `json:"content"`
	Media   []string `json:"media"`
}

func (h *apiHandlers) createPost(c *gin.Context) {
	var request postRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.deps.Posts.CreatePost(c.Request.Context(), callerID(c), request.Content, request.Media)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *apiHandlers) getPost(c *gin.Context) {
	post, err := h.deps.Posts.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *apiHandlers) getPosts(c *gin.Context) {
	offset, limit := pagination(c)
	page, err := h.deps.Posts.GetPosts(c.Request.Context(), offset, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": page})
}

func (h *apiHandlers) getFeed(c *gin.Context) {
	offset, limit := pagination(c)
	page, err := h.deps.Posts.GetFeed(c.Request.Context(), callerID(c), offset, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": page})
}

func (h *apiHandlers) getMediaPosts(c *gin.Context) {
	page, err := h.deps.Posts.GetMediaPosts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": page})
}

func (h *apiHandlers) getUserPosts(c *gin.Context) {
	offset, limit := pagination(c)
	page, err := h.deps.Posts.GetUserPosts(c.Request.Context(), c.Param("id"), offset, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": page})
}

func (h *apiHandlers) updatePost(c *gin.Context) {
	var request postRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated, err := h.deps.Posts.UpdatePost(c.Request.Context(), c.Param("id"), callerID(c), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *apiHandlers) deletePost(c *gin.Context) {
	if err := h.deps.Posts.DeletePost(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *apiHandlers) likePost(c *gin.Context) {
	liked, err := h.deps.Posts.LikePost(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, liked)
}

func (h *apiHandlers) unlikePost(c *gin.Context) {
	unliked, err := h.deps.Posts.UnlikePost(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, unliked)
}

type commentRequest struct {
	Content         string  `json:"content"`
	ParentCommentID *string `json:"parentCommentId"`
}

func (h *apiHandlers) createComment(c *gin.Context) {
	var request commentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.deps.Posts.CreateComment(c.Request.Context(), c.Param("id"), callerID(c), request.Content, request.ParentCommentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *apiHandlers) getComments(c *gin.Context) {
	list, err := h.deps.Posts.GetComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": list})
}

func (h *apiHandlers) deleteComment(c *gin.Context) {
	if err := h.deps.Posts.DeleteComment(c.Request.Context(), c.Param("id"), callerID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *apiHandlers) likeComment(c *gin.Context) {
	liked, err := h.deps.Posts.LikeComment(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, liked)
}

func (h *apiHandlers) unlikeComment(c *gin.Context) {
	unliked, err := h.deps.Posts.UnlikeComment(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, unliked)
}

type chatRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	IsGroupChat    bool     `json:"isGroupChat"`
	GroupName      string   `json:"groupName"`
}

func (h *apiHandlers) createChat(c *gin.Context) {
	var request chatRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	chat, err := h.deps.Chats.CreateChat(c.Request.Context(), request.ParticipantIDs, request.IsGroupChat, request.GroupName, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *apiHandlers) getChats(c *gin.Context) {
	list, err := h.deps.Chats.GetChats(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": list})
}

func (h *apiHandlers) getChat(c *gin.Context) {
	chat, err := h.deps.Chats.GetChat(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *apiHandlers) sendMessage(c *gin.Context) {
	var request messageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message, err := h.deps.Chats.SendMessage(c.Request.Context(), c.Param("id"), request.Content, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *apiHandlers) listNotifications(c *gin.Context) {
	list, err := h.deps.Notifications.List(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *apiHandlers) unreadCount(c *gin.Context) {
	count, err := h.deps.Notifications.UnreadCount(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

type markReadRequest struct {
	ID string `json:"id"`
}

func (h *apiHandlers) markNotificationRead(c *gin.Context) {
	var request markReadRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	marked, err := h.deps.Notifications.MarkRead(c.Request.Context(), request.ID, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, marked)
}

func (h *apiHandlers) markAllNotificationsRead(c *gin.Context) {
	if err := h.deps.Notifications.MarkAllRead(c.Request.Context(), callerID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

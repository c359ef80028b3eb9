package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/bus"
)

const (
	accessTokenQueryParam = "access_token"

	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
	frameTypeData        = "data"
	frameTypeError       = "error"

	templatePostLiked            = "postLiked"
	templatePostUpdated          = "postUpdated"
	templatePostDeleted          = "postDeleted"
	templateCommentAdded         = "commentAdded"
	templateMessageReceived      = "messageReceived"
	templateNotificationReceived = "notificationReceived"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4096
	sendBufferSize = 64

	controlFrameRate  = rate.Limit(5)
	controlFrameBurst = 10
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is a control frame sent by the client over the socket.
type clientFrame struct {
	Type          string            `json:"type"`
	ID            string            `json:"id"`
	TopicTemplate string            `json:"topicTemplate"`
	Variables     map[string]string `json:"variables"`
}

type dataFrame struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type gatewayConfig struct {
	Bus          *bus.Bus
	TokenManager TokenManager
	Logger       *zap.Logger
}

// gateway upgrades authenticated clients to websocket connections and fans
// bus traffic out to their subscriptions.
type gateway struct {
	bus    *bus.Bus
	tokens TokenManager
	logger *zap.Logger
}

func newGateway(cfg gatewayConfig) *gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gateway{bus: cfg.Bus, tokens: cfg.TokenManager, logger: logger}
}

// resolveTopic turns a template plus its variables into a concrete bus topic.
func resolveTopic(template string, variables map[string]string) (string, error) {
	switch template {
	case templatePostLiked:
		return bridge.TopicPostLiked, nil
	case templatePostUpdated:
		return bridge.TopicPostUpdated, nil
	case templatePostDeleted:
		return bridge.TopicPostDeleted, nil
	case templateNotificationReceived:
		return bridge.TopicNotifications, nil
	case templateCommentAdded:
		postID := variables["postId"]
		if postID == "" {
			return "", fmt.Errorf("server: %s requires a postId variable", template)
		}
		return bridge.CommentTopic(postID), nil
	case templateMessageReceived:
		chatID := variables["chatId"]
		if chatID == "" {
			return "", fmt.Errorf("server: %s requires a chatId variable", template)
		}
		return bridge.ChatTopic(chatID), nil
	default:
		return "", fmt.Errorf("server: unknown topic template %q", template)
	}
}

// subscription is one live handle on a connection. The key is the resolved
// topic plus the template, so resubscribing with identical arguments reuses
// the existing handle instead of stacking a duplicate.
type subscription struct {
	clientID string
	template string
	cancel   func()
}

type socketSession struct {
	gateway *gateway
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	logger  *zap.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]*subscription

	limiter *rate.Limiter
}

func (g *gateway) handleSubscriptions(c *gin.Context) {
	token := c.Query(accessTokenQueryParam)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
		return
	}
	userID, err := g.tokens.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &socketSession{
		gateway:       g,
		conn:          conn,
		userID:        userID,
		send:          make(chan []byte, sendBufferSize),
		logger:        g.logger.With(zap.String("user_id", userID)),
		ctx:           ctx,
		cancelCtx:     cancel,
		subscriptions: make(map[string]*subscription),
		limiter:       rate.NewLimiter(controlFrameRate, controlFrameBurst),
	}

	go session.writePump()
	session.readPump()
}

// readPump consumes control frames until the connection drops. Teardown of
// every subscription hangs off the session context, so a disconnect for any
// reason releases all bus handles.
func (s *socketSession) readPump() {
	defer func() {
		s.cancelCtx()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			s.sendError("", "control frame rate exceeded")
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.sendError("", "malformed frame")
			continue
		}
		switch frame.Type {
		case frameTypeSubscribe:
			s.subscribe(frame)
		case frameTypeUnsubscribe:
			s.unsubscribe(frame.ID)
		default:
			s.sendError(frame.ID, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

func (s *socketSession) subscribe(frame clientFrame) {
	if frame.ID == "" {
		s.sendError("", "subscribe requires an id")
		return
	}
	topic, err := resolveTopic(frame.TopicTemplate, frame.Variables)
	if err != nil {
		s.sendError(frame.ID, err.Error())
		return
	}

	key := frame.TopicTemplate + "|" + topic

	s.mu.Lock()
	defer s.mu.Unlock()
	// One id maps to exactly one subscription, or unsubscribe by id
	// would be ambiguous.
	for otherKey, handle := range s.subscriptions {
		if handle.clientID == frame.ID && otherKey != key {
			s.sendError(frame.ID, "subscription id already in use")
			return
		}
	}
	if existing, ok := s.subscriptions[key]; ok {
		existing.clientID = frame.ID
		return
	}

	stream, cancel := s.gateway.bus.Subscribe(s.ctx, topic)
	handle := &subscription{clientID: frame.ID, template: frame.TopicTemplate, cancel: cancel}
	s.subscriptions[key] = handle

	go s.forward(key, handle, stream)
}

func (s *socketSession) unsubscribe(clientID string) {
	if clientID == "" {
		s.sendError("", "unsubscribe requires an id")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, handle := range s.subscriptions {
		if handle.clientID == clientID {
			handle.cancel()
			delete(s.subscriptions, key)
			return
		}
	}
}

// forward copies bus envelopes to the socket until the handle is cancelled.
// The subscription id echoed in each frame is read under the session lock
// because a resubscribe may have rebound it.
func (s *socketSession) forward(key string, handle *subscription, stream <-chan bus.Envelope) {
	for envelope := range stream {
		s.mu.Lock()
		clientID := handle.clientID
		s.mu.Unlock()

		frame := dataFrame{
			Type: frameTypeData,
			ID:   clientID,
			Data: map[string]any{handle.template: envelope.Entity},
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("failed to encode data frame", zap.String("topic", envelope.Topic), zap.Error(err))
			continue
		}
		select {
		case s.send <- payload:
		default:
			// The socket cannot keep up. Drop this subscriber rather than
			// stall the rest of the connection.
			s.logger.Warn("subscription buffer overflow, dropping handle", zap.String("topic", envelope.Topic))
			handle.cancel()
			s.mu.Lock()
			delete(s.subscriptions, key)
			s.mu.Unlock()
			return
		}
	}
}

func (s *socketSession) sendError(id, message string) {
	payload, err := json.Marshal(errorFrame{Type: frameTypeError, ID: id, Message: message})
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	default:
	}
}

func (s *socketSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

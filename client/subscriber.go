package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrSubscriptionExists indicates a reused subscription id on one connection.
	ErrSubscriptionExists = errors.New("client: subscription id already in use")
	// ErrSubscriberClosed indicates use after Close.
	ErrSubscriberClosed = errors.New("client: subscriber is closed")
)

// EventHandler receives each pushed entity for one subscription, still JSON
// encoded so the caller decides the concrete type.
type EventHandler func(entity json.RawMessage)

type outboundFrame struct {
	Type          string            `json:"type"`
	ID            string            `json:"id"`
	TopicTemplate string            `json:"topicTemplate,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

type inboundFrame struct {
	Type    string                     `json:"type"`
	ID      string                     `json:"id"`
	Data    map[string]json.RawMessage `json:"data"`
	Message string                     `json:"message"`
}

// Subscriber is a websocket client for the subscription gateway. Subscribe
// and Unsubscribe may be called from any goroutine; Listen owns the read
// side and dispatches data frames to the registered handlers.
type Subscriber struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]EventHandler
	closed   bool
}

// Dial connects to the gateway at baseURL (http or ws scheme) using the
// given access token for the handshake.
func Dial(ctx context.Context, baseURL, accessToken string, logger *zap.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid gateway url: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	if !strings.HasSuffix(endpoint.Path, "/subscriptions") {
		endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/subscriptions"
	}
	query := endpoint.Query()
	query.Set("access_token", accessToken)
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: failed to dial gateway: %w", err)
	}

	return &Subscriber{
		conn:     conn,
		logger:   logger,
		handlers: make(map[string]EventHandler),
	}, nil
}

// Subscribe registers a handler and sends the subscribe frame. The id must
// be unique per connection.
func (s *Subscriber) Subscribe(id, topicTemplate string, variables map[string]string, handler EventHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	if _, exists := s.handlers[id]; exists {
		s.mu.Unlock()
		return ErrSubscriptionExists
	}
	s.handlers[id] = handler
	err := s.conn.WriteJSON(outboundFrame{
		Type:          "subscribe",
		ID:            id,
		TopicTemplate: topicTemplate,
		Variables:     variables,
	})
	if err != nil {
		delete(s.handlers, id)
	}
	s.mu.Unlock()
	return err
}

// Unsubscribe cancels the subscription and drops its handler.
func (s *Subscriber) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	delete(s.handlers, id)
	return s.conn.WriteJSON(outboundFrame{Type: "unsubscribe", ID: id})
}

// Listen reads frames until the context is cancelled or the connection
// drops, invoking the matching handler for every data frame. Error frames
// are logged and do not stop the loop.
func (s *Subscriber) Listen(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		var frame inboundFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch frame.Type {
		case "data":
			s.dispatch(frame)
		case "error":
			s.logger.Warn("gateway reported an error",
				zap.String("subscription_id", frame.ID),
				zap.String("message", frame.Message))
		default:
			s.logger.Debug("ignoring unknown frame type", zap.String("type", frame.Type))
		}
	}
}

func (s *Subscriber) dispatch(frame inboundFrame) {
	s.mu.Lock()
	handler, ok := s.handlers[frame.ID]
	s.mu.Unlock()
	if !ok {
		// Frames for an already-cancelled subscription can still be in
		// flight; they are dropped silently.
		return
	}
	for _, entity := range frame.Data {
		handler(entity)
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

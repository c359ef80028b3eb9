package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"github.com/ripplehq/ripple/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotificationNotFound indicates the notification does not exist or
	// belongs to a different recipient.
	ErrNotificationNotFound = errors.New("notifications: notification not found")

	errMissingDatabase   = errors.New("notifications: database handle is required")
	errMissingIDProvider = errors.New("notifications: id provider is required")
)

// ServiceConfig describes the dependencies of the notification service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Events     *bridge.Events
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service persists notifications and broadcasts them once durably written.
type Service struct {
	db     *gorm.DB
	idGen  ids.Provider
	events *bridge.Events
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the notification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	events := cfg.Events
	if events == nil {
		events = bridge.NewEvents(nil, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, idGen: cfg.IDProvider, events: events, clock: clock, logger: logger}, nil
}

// CreateInput carries the references of a new notification.
type CreateInput struct {
	Type        string
	RecipientID string
	SenderID    string
	PostID      *string
	CommentID   *string
	ChatID      *string
}

// Create stores a notification and publishes the populated record on the
// notifications topic. The topic is global; clients filter by recipient.
func (s *Service) Create(ctx context.Context, input CreateInput) (Notification, error) {
	if input.Type == "" || input.RecipientID == "" || input.SenderID == "" {
		return Notification{}, fmt.Errorf("notifications: type, recipient and sender are required")
	}

	notificationID, err := s.idGen.NewID()
	if err != nil {
		return Notification{}, err
	}
	record := Notification{
		ID:          notificationID,
		Type:        input.Type,
		RecipientID: input.RecipientID,
		SenderID:    input.SenderID,
		PostID:      input.PostID,
		CommentID:   input.CommentID,
		ChatID:      input.ChatID,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Notification{}, err
	}

	populated, err := s.populate(ctx, record)
	if err != nil {
		// The write committed; fall back to the bare record for delivery.
		s.logger.Warn("notification population failed", zap.String("notification_id", record.ID), zap.Error(err))
		populated = record
	}

	s.events.NotificationCreated(populated)
	return populated, nil
}

// List returns the recipient's notifications, newest first, populated.
func (s *Service) List(ctx context.Context, recipientID string) ([]Notification, error) {
	var records []Notification
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC, id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	for index := range records {
		populated, err := s.populate(ctx, records[index])
		if err != nil {
			return nil, err
		}
		records[index] = populated
	}
	return records, nil
}

// UnreadCount reports how many of the recipient's notifications are unread.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Count(&count).Error
	return count, err
}

// MarkRead flags one of the recipient's notifications as read.
func (s *Service) MarkRead(ctx context.Context, notificationID, recipientID string) (Notification, error) {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ? AND recipient_id = ?", notificationID, recipientID).
		Update("read", true)
	if result.Error != nil {
		return Notification{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Notification{}, ErrNotificationNotFound
	}

	var record Notification
	if err := s.db.WithContext(ctx).Where("id = ?", notificationID).First(&record).Error; err != nil {
		return Notification{}, err
	}
	return s.populate(ctx, record)
}

// MarkAllRead flags every unread notification of the recipient as read.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) error {
	return s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Update("read", true).Error
}

// populate attaches the sender account and referenced entity snapshots.
// The snapshots are read by table name so the notification store stays
// decoupled from the owning domain packages.
func (s *Service) populate(ctx context.Context, record Notification) (Notification, error) {
	var sender users.User
	err := s.db.WithContext(ctx).Where("id = ?", record.SenderID).First(&sender).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, err
	}
	record.Sender = sender

	if record.PostID != nil {
		var post PostRef
		err := s.db.WithContext(ctx).Table("posts").Where("id = ?", *record.PostID).Take(&post).Error
		if err == nil {
			record.Post = &post
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Notification{}, err
		}
	}
	if record.CommentID != nil {
		var comment CommentRef
		err := s.db.WithContext(ctx).Table("comments").Where("id = ?", *record.CommentID).Take(&comment).Error
		if err == nil {
			record.Comment = &comment
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Notification{}, err
		}
	}
	if record.ChatID != nil {
		var chat ChatRef
		err := s.db.WithContext(ctx).Table("chats").Where("id = ?", *record.ChatID).Take(&chat).Error
		if err == nil {
			record.Chat = &chat
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Notification{}, err
		}
	}
	return record, nil
}

package chats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"github.com/ripplehq/ripple/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrChatNotFound indicates the chat does not exist or the caller is not
	// a participant. Membership gates every read and write.
	ErrChatNotFound = errors.New("chats: chat not found")
	// ErrParticipantNotFound indicates a referenced participant account is missing.
	ErrParticipantNotFound = errors.New("chats: participant not found")
	// ErrInvalidInput indicates missing or malformed chat fields.
	ErrInvalidInput = errors.New("chats: invalid input")

	errMissingDatabase   = errors.New("chats: database handle is required")
	errMissingIDProvider = errors.New("chats: id provider is required")
)

// Notifier receives the notification side effects of chat mutations.
type Notifier interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Events     *bridge.Events
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns conversations and messages.
type Service struct {
	db       *gorm.DB
	idGen    ids.Provider
	events   *bridge.Events
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the chat service.
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
	return &Service{db: cfg.Database, idGen: cfg.IDProvider, events: events, notifier: cfg.Notifier, clock: clock, logger: logger}, nil
}

// CreateChat opens a conversation. A direct chat between the same two
// participants is reused rather than duplicated.
func (s *Service) CreateChat(ctx context.Context, participantIDs []string, isGroup bool, groupName, creatorID string) (Chat, error) {
	unique := dedupe(append([]string{creatorID}, participantIDs...))
	if len(unique) < 2 {
		return Chat{}, fmt.Errorf("%w: a chat needs at least two participants", ErrInvalidInput)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&users.User{}).Where("id IN ?", unique).Count(&count).Error; err != nil {
		return Chat{}, err
	}
	if count != int64(len(unique)) {
		return Chat{}, ErrParticipantNotFound
	}

	if !isGroup && len(unique) == 2 {
		existingID, err := s.findDirectChat(ctx, unique[0], unique[1])
		if err != nil {
			return Chat{}, err
		}
		if existingID != "" {
			return s.GetChat(ctx, existingID, creatorID)
		}
	}

	chatID, err := s.idGen.NewID()
	if err != nil {
		return Chat{}, err
	}
	record := Chat{
		ID:          chatID,
		IsGroupChat: isGroup,
	}
	if isGroup {
		record.GroupName = strings.TrimSpace(groupName)
		record.GroupAdminID = &creatorID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants", "Messages").Create(&record).Error; err != nil {
			return err
		}
		for _, participantID := range unique {
			edge := ChatParticipant{ChatID: chatID, UserID: participantID}
			if err := tx.Create(&edge).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Chat{}, err
	}

	return s.GetChat(ctx, chatID, creatorID)
}

// GetChats lists the caller's conversations, most recently active first.
func (s *Service) GetChats(ctx context.Context, userID string) ([]Chat, error) {
	var chatIDs []string
	err := s.db.WithContext(ctx).
		Model(&ChatParticipant{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &chatIDs).Error
	if err != nil {
		return nil, err
	}
	if len(chatIDs) == 0 {
		return []Chat{}, nil
	}

	var records []Chat
	err = s.db.WithContext(ctx).
		Preload("Participants").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Preload("Messages.Sender").
		Where("id IN ?", chatIDs).
		Order("updated_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetChat returns one conversation with participants and ordered messages.
// Callers who are not participants get ErrChatNotFound, not a different
// error, so membership is never leaked.
func (s *Service) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	isMember, err := s.isParticipant(ctx, chatID, userID)
	if err != nil {
		return Chat{}, err
	}
	if !isMember {
		return Chat{}, ErrChatNotFound
	}

	var record Chat
	err = s.db.WithContext(ctx).
		Preload("Participants").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Preload("Messages.Sender").
		Where("id = ?", chatID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	return record, nil
}

// SendMessage persists a message, notifies the other participants and
// broadcasts the populated message on the chat's topic.
func (s *Service) SendMessage(ctx context.Context, chatID, content, senderID string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}
	isMember, err := s.isParticipant(ctx, chatID, senderID)
	if err != nil {
		return Message{}, err
	}
	if !isMember {
		return Message{}, ErrChatNotFound
	}

	messageID, err := s.idGen.NewID()
	if err != nil {
		return Message{}, err
	}
	record := Message{
		ID:       messageID,
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Sender").Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).Where("id = ?", chatID).Update("updated_at", s.clock().UTC()).Error
	})
	if err != nil {
		return Message{}, err
	}

	var sent Message
	err = s.db.WithContext(ctx).
		Preload("Sender").
		Where("id = ?", messageID).
		First(&sent).Error
	if err != nil {
		return Message{}, err
	}

	s.notifyRecipients(ctx, chatID, senderID)
	s.events.MessageSent(chatID, sent)
	return sent, nil
}

func (s *Service) notifyRecipients(ctx context.Context, chatID, senderID string) {
	if s.notifier == nil {
		return
	}
	var recipientIDs []string
	err := s.db.WithContext(ctx).
		Model(&ChatParticipant{}).
		Where("chat_id = ? AND user_id <> ?", chatID, senderID).
		Pluck("user_id", &recipientIDs).Error
	if err != nil {
		s.logger.Warn("message notification recipients lookup failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	for _, recipientID := range recipientIDs {
		_, err := s.notifier.Create(ctx, notifications.CreateInput{
			Type:        notifications.KindMessage,
			RecipientID: recipientID,
			SenderID:    senderID,
			ChatID:      &chatID,
		})
		if err != nil {
			s.logger.Warn("message notification failed",
				zap.String("chat_id", chatID),
				zap.String("recipient_id", recipientID),
				zap.Error(err))
		}
	}
}

func (s *Service) isParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// findDirectChat looks for an existing one-on-one chat between two users.
func (s *Service) findDirectChat(ctx context.Context, firstID, secondID string) (string, error) {
	var chatIDs []string
	err := s.db.WithContext(ctx).
		Model(&ChatParticipant{}).
		Select("chat_id").
		Where("user_id IN ?", []string{firstID, secondID}).
		Group("chat_id").
		Having("COUNT(DISTINCT user_id) = 2").
		Pluck("chat_id", &chatIDs).Error
	if err != nil {
		return "", err
	}
	for _, chatID := range chatIDs {
		var record Chat
		err := s.db.WithContext(ctx).Where("id = ? AND is_group_chat = ?", chatID, false).Take(&record).Error
		if err == nil {
			var total int64
			if err := s.db.WithContext(ctx).Model(&ChatParticipant{}).Where("chat_id = ?", chatID).Count(&total).Error; err != nil {
				return "", err
			}
			if total == 2 {
				return chatID, nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	return "", nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}

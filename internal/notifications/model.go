package notifications

import (
	"time"

	"github.com/ripplehq/ripple/backend/internal/users"
)

// Kind values accepted for a notification.
const (
	KindLike    = "like"
	KindComment = "comment"
	KindFollow  = "follow"
	KindMessage = "message"
	KindShare   = "share"
)

// Notification is stored with bare references and broadcast with the
// referenced records attached, so a receiving client never re-fetches.
type Notification struct {
	ID          string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	Type        string    `gorm:"column:type;size:32;not null" json:"type"`
	RecipientID string    `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient,priority:1" json:"recipientId"`
	SenderID    string    `gorm:"column:sender_id;size:190;not null" json:"senderId"`
	PostID      *string   `gorm:"column:post_id;size:190" json:"postId,omitempty"`
	CommentID   *string   `gorm:"column:comment_id;size:190" json:"commentId,omitempty"`
	ChatID      *string   `gorm:"column:chat_id;size:190" json:"chatId,omitempty"`
	Read        bool      `gorm:"column:read;not null;default:false" json:"read"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime;index:idx_notifications_recipient,priority:2" json:"createdAt"`

	Sender  users.User  `gorm:"-" json:"sender"`
	Post    *PostRef    `gorm:"-" json:"post,omitempty"`
	Comment *CommentRef `gorm:"-" json:"comment,omitempty"`
	Chat    *ChatRef    `gorm:"-" json:"chat,omitempty"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// PostRef is the post snapshot attached to a populated notification.
type PostRef struct {
	ID      string `gorm:"column:id" json:"id"`
	Content string `gorm:"column:content" json:"content"`
}

// CommentRef is the comment snapshot attached to a populated notification.
type CommentRef struct {
	ID      string `gorm:"column:id" json:"id"`
	Content string `gorm:"column:content" json:"content"`
	PostID  string `gorm:"column:post_id" json:"postId"`
}

// ChatRef is the chat snapshot attached to a populated notification.
type ChatRef struct {
	ID          string `gorm:"column:id" json:"id"`
	IsGroupChat bool   `gorm:"column:is_group_chat" json:"isGroupChat"`
	GroupName   string `gorm:"column:group_name" json:"groupName,omitempty"`
}

package chats

import (
	"time"

	"github.com/ripplehq/ripple/backend/internal/users"
)

// Chat is a direct or group conversation.
type Chat struct {
	ID           string       `gorm:"column:id;primaryKey;size:190" json:"id"`
	IsGroupChat  bool         `gorm:"column:is_group_chat;not null;default:false" json:"isGroupChat"`
	GroupName    string       `gorm:"column:group_name;size:190" json:"groupName,omitempty"`
	GroupAdminID *string      `gorm:"column:group_admin_id;size:190" json:"groupAdminId,omitempty"`
	Participants []users.User `gorm:"many2many:chat_participants;joinForeignKey:ChatID;joinReferences:UserID" json:"participants"`
	Messages     []Message    `gorm:"foreignKey:ChatID" json:"messages"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing chats.
func (Chat) TableName() string {
	return "chats"
}

// ChatParticipant is one membership edge.
type ChatParticipant struct {
	ChatID    string    `gorm:"column:chat_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing chat memberships.
func (ChatParticipant) TableName() string {
	return "chat_participants"
}

// Message is one chat message; the sender is attached on every read and on
// every broadcast payload.
type Message struct {
	ID        string     `gorm:"column:id;primaryKey;size:190" json:"id"`
	ChatID    string     `gorm:"column:chat_id;size:190;not null;index" json:"chatId"`
	SenderID  string     `gorm:"column:sender_id;size:190;not null" json:"senderId"`
	Sender    users.User `gorm:"foreignKey:SenderID" json:"sender"`
	Content   string     `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime;index" json:"createdAt"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}

package posts

import (
	"time"

	"github.com/ripplehq/ripple/backend/internal/users"
)

// Post is a timeline entry. Broadcast payloads carry the author and the full
// likes list so subscribers can apply them without a follow-up fetch.
type Post struct {
	ID        string       `gorm:"column:id;primaryKey;size:190" json:"id"`
	Content   string       `gorm:"column:content;type:text;not null" json:"content"`
	Media     []string     `gorm:"column:media;type:text;serializer:json" json:"media"`
	AuthorID  string       `gorm:"column:author_id;size:190;not null;index" json:"authorId"`
	Author    users.User   `gorm:"foreignKey:AuthorID" json:"author"`
	Likes     []users.User `gorm:"many2many:post_likes;joinForeignKey:PostID;joinReferences:UserID" json:"likes"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime;index" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

// PostLike is one like edge. The composite primary key is what makes
// "like if not already liked" a single conditional insert.
type PostLike struct {
	PostID    string    `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing post likes.
func (PostLike) TableName() string {
	return "post_likes"
}

// Comment is a reply on a post, optionally nested under a parent comment.
type Comment struct {
	ID              string       `gorm:"column:id;primaryKey;size:190" json:"id"`
	Content         string       `gorm:"column:content;type:text;not null" json:"content"`
	PostID          string       `gorm:"column:post_id;size:190;not null;index" json:"postId"`
	AuthorID        string       `gorm:"column:author_id;size:190;not null" json:"authorId"`
	Author          users.User   `gorm:"foreignKey:AuthorID" json:"author"`
	ParentCommentID *string      `gorm:"column:parent_comment_id;size:190" json:"parentCommentId,omitempty"`
	Likes           []users.User `gorm:"many2many:comment_likes;joinForeignKey:CommentID;joinReferences:UserID" json:"likes"`
	CreatedAt       time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "comments"
}

// CommentLike is one like edge on a comment.
type CommentLike struct {
	CommentID string    `gorm:"column:comment_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing comment likes.
func (CommentLike) TableName() string {
	return "comment_likes"
}

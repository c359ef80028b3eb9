package users

import (
	"time"
)

// User is the account record. PasswordHash never leaves the package in JSON
// form; follower and following lists are attached only where a caller asked
// for them.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	Username     string    `gorm:"column:username;size:64;not null;uniqueIndex" json:"username"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	Name         string    `gorm:"column:name;size:190;not null" json:"name"`
	Bio          string    `gorm:"column:bio;type:text" json:"bio,omitempty"`
	Avatar       string    `gorm:"column:avatar;size:512" json:"avatar,omitempty"`
	Role         string    `gorm:"column:role;size:32;not null;default:user" json:"role"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null" json:"-"`
	Followers    []User    `gorm:"-" json:"followers,omitempty"`
	Following    []User    `gorm:"-" json:"following,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Follow records one follower edge. The composite primary key makes the
// "follow if not already following" write atomic at the store layer.
type Follow struct {
	FollowerID string    `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FolloweeID string    `gorm:"column:followee_id;primaryKey;size:190;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing follower edges.
func (Follow) TableName() string {
	return "follows"
}

package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ripplehq/ripple/backend/internal/chats"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"github.com/ripplehq/ripple/backend/internal/posts"
	"github.com/ripplehq/ripple/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates or updates the schema on an already open connection.
// Tests reuse it against in-memory databases.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	err := db.AutoMigrate(
		&users.User{},
		&users.Follow{},
		&posts.Post{},
		&posts.PostLike{},
		&posts.Comment{},
		&posts.CommentLike{},
		&chats.Chat{},
		&chats.ChatParticipant{},
		&chats.Message{},
		&notifications.Notification{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}

	return applyMigrations(db, logger)
}

package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ripplehq/ripple/backend/internal/bridge"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"github.com/ripplehq/ripple/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

var (
	// ErrPostNotFound indicates the referenced post does not exist.
	ErrPostNotFound = errors.New("posts: post not found")
	// ErrCommentNotFound indicates the referenced comment does not exist.
	ErrCommentNotFound = errors.New("posts: comment not found")
	// ErrAlreadyLiked indicates a duplicate like attempt; no side effect occurred.
	ErrAlreadyLiked = errors.New("posts: already liked")
	// ErrNotLiked indicates an unlike without a prior like.
	ErrNotLiked = errors.New("posts: not liked")
	// ErrNotAuthor indicates a caller editing or deleting someone else's content.
	ErrNotAuthor = errors.New("posts: caller is not the author")

	// ErrEmptyContent indicates a post or comment without textual content.
	ErrEmptyContent = errors.New("posts: content is required")

	errMissingDatabase   = errors.New("posts: database handle is required")
	errMissingIDProvider = errors.New("posts: id provider is required")
)

// ServiceError wraps a failure with the operation code that produced it.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCreatePost    = "posts.create"
	opUpdatePost    = "posts.update"
	opDeletePost    = "posts.delete"
	opLikePost      = "posts.like"
	opUnlikePost    = "posts.unlike"
	opCreateComment = "posts.comment.create"
	opDeleteComment = "posts.comment.delete"
	opLikeComment   = "posts.comment.like"
	opUnlikeComment = "posts.comment.unlike"
)

func newServiceError(operation string, cause error) error {
	return &ServiceError{code: operation, err: cause}
}

// FollowingSource reports which authors a user follows; the feed scopes on it.
type FollowingSource interface {
	FollowingIDs(ctx context.Context, userID string) ([]string, error)
}

// Notifier receives the notification side effects of post mutations.
type Notifier interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
}

// ServiceConfig describes the dependencies of the post service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Events     *bridge.Events
	Following  FollowingSource
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns posts, comments and likes. Every mutation persists first and
// publishes only after the write committed.
type Service struct {
	db        *gorm.DB
	idGen     ids.Provider
	events    *bridge.Events
	following FollowingSource
	notifier  Notifier
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the post service.
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
	return &Service{
		db:        cfg.Database,
		idGen:     cfg.IDProvider,
		events:    events,
		following: cfg.Following,
		notifier:  cfg.Notifier,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CreatePost stores a new post for the author.
func (s *Service) CreatePost(ctx context.Context, authorID, content string, media []string) (Post, error) {
	if strings.TrimSpace(content) == "" {
		return Post{}, newServiceError(opCreatePost, ErrEmptyContent)
	}
	postID, err := s.idGen.NewID()
	if err != nil {
		return Post{}, newServiceError(opCreatePost, err)
	}
	if media == nil {
		media = []string{}
	}
	record := Post{
		ID:       postID,
		Content:  content,
		Media:    media,
		AuthorID: authorID,
	}
	if err := s.db.WithContext(ctx).Omit("Author", "Likes").Create(&record).Error; err != nil {
		return Post{}, newServiceError(opCreatePost, err)
	}
	return s.GetPost(ctx, postID)
}

// GetPost returns one post with author and likes attached.
func (s *Service) GetPost(ctx context.Context, postID string) (Post, error) {
	var record Post
	err := s.db.WithContext(ctx).
		Preload("Author").
		Preload("Likes").
		Where("id = ?", postID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, ErrPostNotFound
	}
	if err != nil {
		return Post{}, err
	}
	return record, nil
}

// GetPosts lists all posts, newest first, with offset/limit pagination.
// Identifier descending breaks created-at ties so pages never shuffle.
func (s *Service) GetPosts(ctx context.Context, offset, limit int) ([]Post, error) {
	return s.listPosts(ctx, s.db.WithContext(ctx), offset, limit)
}

// GetFeed lists posts authored by the user or anyone the user follows.
func (s *Service) GetFeed(ctx context.Context, userID string, offset, limit int) ([]Post, error) {
	authorIDs := []string{userID}
	if s.following != nil {
		followeeIDs, err := s.following.FollowingIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
		authorIDs = append(authorIDs, followeeIDs...)
	}
	scoped := s.db.WithContext(ctx).Where("author_id IN ?", authorIDs)
	return s.listPosts(ctx, scoped, offset, limit)
}

// GetUserPosts lists one author's posts.
func (s *Service) GetUserPosts(ctx context.Context, authorID string, offset, limit int) ([]Post, error) {
	scoped := s.db.WithContext(ctx).Where("author_id = ?", authorID)
	return s.listPosts(ctx, scoped, offset, limit)
}

// GetMediaPosts lists every post that carries media attachments.
func (s *Service) GetMediaPosts(ctx context.Context) ([]Post, error) {
	scoped := s.db.WithContext(ctx).Where("media IS NOT NULL AND media != ? AND media != ?", "[]", "")
	return s.listPosts(ctx, scoped, 0, maxPageSize)
}

func (s *Service) listPosts(_ context.Context, scoped *gorm.DB, offset, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	var records []Post
	err := scoped.
		Preload("Author").
		Preload("Likes").
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdatePost replaces a post's content. Only the author may edit; the updated
// post is broadcast after the write commits.
func (s *Service) UpdatePost(ctx context.Context, postID, callerID, content string) (Post, error) {
	if strings.TrimSpace(content) == "" {
		return Post{}, newServiceError(opUpdatePost, ErrEmptyContent)
	}
	record, err := s.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}
	if record.AuthorID != callerID {
		return Post{}, ErrNotAuthor
	}

	err = s.db.WithContext(ctx).
		Model(&Post{}).
		Where("id = ?", postID).
		Update("content", content).Error
	if err != nil {
		return Post{}, newServiceError(opUpdatePost, err)
	}

	updated, err := s.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}
	s.events.PostUpdated(updated)
	return updated, nil
}

// DeletePost removes a post together with its comments and like edges.
// The deletion is broadcast as an id-only payload.
func (s *Service) DeletePost(ctx context.Context, postID, callerID string) error {
	record, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if record.AuthorID != callerID {
		return ErrNotAuthor
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&PostLike{}).Error; err != nil {
			return err
		}
		var commentIDs []string
		if err := tx.Model(&Comment{}).Where("post_id = ?", postID).Pluck("id", &commentIDs).Error; err != nil {
			return err
		}
		if len(commentIDs) > 0 {
			if err := tx.Where("comment_id IN ?", commentIDs).Delete(&CommentLike{}).Error; err != nil {
				return err
			}
			if err := tx.Where("post_id = ?", postID).Delete(&Comment{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", postID).Delete(&Post{}).Error
	})
	if err != nil {
		return newServiceError(opDeletePost, err)
	}

	s.events.PostDeleted(postID)
	return nil
}

// LikePost records a like. The like edge insert is conditional, so two
// concurrent likes by different users both land and a duplicate by the same
// user fails without a side effect. The full post with its updated likes
// list is broadcast, and the post author is notified of likes by others.
func (s *Service) LikePost(ctx context.Context, postID, userID string) (Post, error) {
	record, err := s.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&PostLike{PostID: postID, UserID: userID})
	if result.Error != nil {
		return Post{}, newServiceError(opLikePost, result.Error)
	}
	if result.RowsAffected == 0 {
		return Post{}, ErrAlreadyLiked
	}

	liked, err := s.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}

	if s.notifier != nil && record.AuthorID != userID {
		_, err := s.notifier.Create(ctx, notifications.CreateInput{
			Type:        notifications.KindLike,
			RecipientID: record.AuthorID,
			SenderID:    userID,
			PostID:      &postID,
		})
		if err != nil {
			s.logger.Warn("like notification failed", zap.String("post_id", postID), zap.Error(err))
		}
	}

	s.events.PostLiked(liked)
	return liked, nil
}

// UnlikePost removes a like and broadcasts the post with its updated likes.
func (s *Service) UnlikePost(ctx context.Context, postID, userID string) (Post, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return Post{}, err
	}

	result := s.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Delete(&PostLike{})
	if result.Error != nil {
		return Post{}, newServiceError(opUnlikePost, result.Error)
	}
	if result.RowsAffected == 0 {
		return Post{}, ErrNotLiked
	}

	unliked, err := s.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}
	s.events.PostLiked(unliked)
	return unliked, nil
}

// CreateComment stores a comment, notifies the post author and broadcasts
// the populated comment on the post's comment topic.
func (s *Service) CreateComment(ctx context.Context, postID, authorID, content string, parentCommentID *string) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, newServiceError(opCreateComment, ErrEmptyContent)
	}
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return Comment{}, err
	}
	if parentCommentID != nil {
		var count int64
		err := s.db.WithContext(ctx).
			Model(&Comment{}).
			Where("id = ? AND post_id = ?", *parentCommentID, postID).
			Count(&count).Error
		if err != nil {
			return Comment{}, newServiceError(opCreateComment, err)
		}
		if count == 0 {
			return Comment{}, ErrCommentNotFound
		}
	}

	commentID, err := s.idGen.NewID()
	if err != nil {
		return Comment{}, newServiceError(opCreateComment, err)
	}
	record := Comment{
		ID:              commentID,
		Content:         content,
		PostID:          postID,
		AuthorID:        authorID,
		ParentCommentID: parentCommentID,
	}
	if err := s.db.WithContext(ctx).Omit("Author", "Likes").Create(&record).Error; err != nil {
		return Comment{}, newServiceError(opCreateComment, err)
	}

	created, err := s.getComment(ctx, commentID)
	if err != nil {
		return Comment{}, err
	}

	if s.notifier != nil && post.AuthorID != authorID {
		_, err := s.notifier.Create(ctx, notifications.CreateInput{
			Type:        notifications.KindComment,
			RecipientID: post.AuthorID,
			SenderID:    authorID,
			PostID:      &postID,
			CommentID:   &commentID,
		})
		if err != nil {
			s.logger.Warn("comment notification failed", zap.String("post_id", postID), zap.Error(err))
		}
	}

	s.events.CommentAdded(postID, created)
	return created, nil
}

// GetComments lists a post's comments, oldest first, with authors and likes.
func (s *Service) GetComments(ctx context.Context, postID string) ([]Comment, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	var records []Comment
	err := s.db.WithContext(ctx).
		Preload("Author").
		Preload("Likes").
		Where("post_id = ?", postID).
		Order("created_at ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteComment removes a comment authored by the caller.
func (s *Service) DeleteComment(ctx context.Context, commentID, callerID string) error {
	record, err := s.getComment(ctx, commentID)
	if err != nil {
		return err
	}
	if record.AuthorID != callerID {
		return ErrNotAuthor
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("comment_id = ?", commentID).Delete(&CommentLike{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", commentID).Delete(&Comment{}).Error
	})
	if err != nil {
		return newServiceError(opDeleteComment, err)
	}
	return nil
}

// LikeComment records a like on a comment.
func (s *Service) LikeComment(ctx context.Context, commentID, userID string) (Comment, error) {
	if _, err := s.getComment(ctx, commentID); err != nil {
		return Comment{}, err
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&CommentLike{CommentID: commentID, UserID: userID})
	if result.Error != nil {
		return Comment{}, newServiceError(opLikeComment, result.Error)
	}
	if result.RowsAffected == 0 {
		return Comment{}, ErrAlreadyLiked
	}
	return s.getComment(ctx, commentID)
}

// UnlikeComment removes a like from a comment.
func (s *Service) UnlikeComment(ctx context.Context, commentID, userID string) (Comment, error) {
	if _, err := s.getComment(ctx, commentID); err != nil {
		return Comment{}, err
	}
	result := s.db.WithContext(ctx).
		Where("comment_id = ? AND user_id = ?", commentID, userID).
		Delete(&CommentLike{})
	if result.Error != nil {
		return Comment{}, newServiceError(opUnlikeComment, result.Error)
	}
	if result.RowsAffected == 0 {
		return Comment{}, ErrNotLiked
	}
	return s.getComment(ctx, commentID)
}

func (s *Service) getComment(ctx context.Context, commentID string) (Comment, error) {
	var record Comment
	err := s.db.WithContext(ctx).
		Preload("Author").
		Preload("Likes").
		Where("id = ?", commentID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, ErrCommentNotFound
	}
	if err != nil {
		return Comment{}, err
	}
	return record, nil
}

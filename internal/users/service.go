package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ripplehq/ripple/backend/internal/auth"
	"github.com/ripplehq/ripple/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates the referenced account does not exist.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates a failed email/password login.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrAlreadyFollowing indicates a duplicate follow attempt.
	ErrAlreadyFollowing = errors.New("users: already following this user")
	// ErrNotFollowing indicates an unfollow without a prior follow.
	ErrNotFollowing = errors.New("users: not following this user")
	// ErrSelfFollow indicates an attempt to follow oneself.
	ErrSelfFollow = errors.New("users: cannot follow yourself")
	// ErrInvalidInput indicates missing or malformed registration fields.
	ErrInvalidInput = errors.New("users: invalid input")

	errMissingDatabase   = errors.New("users: database handle is required")
	errMissingIDProvider = errors.New("users: id provider is required")
)

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages accounts, profiles and the follower graph.
type Service struct {
	db     *gorm.DB
	idGen  ids.Provider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, idGen: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// RegisterInput carries the fields of a registration request.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Name     string
}

// Register creates a new account with a hashed password.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return User{}, fmt.Errorf("%w: username, email and password are required", ErrInvalidInput)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrUsernameTaken
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return User{}, err
	}
	if count > 0 {
		return User{}, ErrEmailTaken
	}

	hashed, err := auth.HashPassword(input.Password)
	if err != nil {
		return User{}, err
	}
	userID, err := s.idGen.NewID()
	if err != nil {
		return User{}, err
	}

	account := User{
		ID:           userID,
		Username:     username,
		Email:        email,
		Name:         strings.TrimSpace(input.Name),
		Role:         "user",
		PasswordHash: hashed,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return User{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", account.ID))
	return account, nil
}

// Authenticate verifies an email/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := auth.CheckPassword(account.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return account, nil
}

// GetUser returns an account with its follower and following lists attached.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}

	if err := s.db.WithContext(ctx).
		Joins("JOIN follows ON follows.follower_id = users.id").
		Where("follows.followee_id = ?", userID).
		Find(&account.Followers).Error; err != nil {
		return User{}, err
	}
	if err := s.db.WithContext(ctx).
		Joins("JOIN follows ON follows.followee_id = users.id").
		Where("follows.follower_id = ?", userID).
		Find(&account.Following).Error; err != nil {
		return User{}, err
	}
	return account, nil
}

// SearchUsers finds accounts whose username or name matches the query.
func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return []User{}, nil
	}
	pattern := "%" + trimmed + "%"
	var accounts []User
	err := s.db.WithContext(ctx).
		Where("username LIKE ? OR name LIKE ?", pattern, pattern).
		Order("username ASC").
		Limit(50).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ProfileUpdate carries the optional profile fields of an update request.
type ProfileUpdate struct {
	Bio    *string
	Avatar *string
}

// UpdateProfile patches the caller's profile fields.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	patch := map[string]any{}
	if update.Bio != nil {
		patch["bio"] = *update.Bio
	}
	if update.Avatar != nil {
		patch["avatar"] = *update.Avatar
	}
	if len(patch) > 0 {
		result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(patch)
		if result.Error != nil {
			return User{}, result.Error
		}
		if result.RowsAffected == 0 {
			return User{}, ErrUserNotFound
		}
	}
	return s.GetUser(ctx, userID)
}

// FollowUser records a follower edge. The insert is conditional on the edge
// not existing, so concurrent duplicate follows cannot produce two rows.
func (s *Service) FollowUser(ctx context.Context, followeeID, followerID string) (User, error) {
	if followeeID == followerID {
		return User{}, ErrSelfFollow
	}
	if err := s.ensureExists(ctx, followeeID); err != nil {
		return User{}, err
	}
	if err := s.ensureExists(ctx, followerID); err != nil {
		return User{}, err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Follow{FollowerID: followerID, FolloweeID: followeeID})
	if result.Error != nil {
		return User{}, result.Error
	}
	if result.RowsAffected == 0 {
		return User{}, ErrAlreadyFollowing
	}
	return s.GetUser(ctx, followeeID)
}

// UnfollowUser removes a follower edge.
func (s *Service) UnfollowUser(ctx context.Context, followeeID, followerID string) (User, error) {
	if err := s.ensureExists(ctx, followeeID); err != nil {
		return User{}, err
	}
	result := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&Follow{})
	if result.Error != nil {
		return User{}, result.Error
	}
	if result.RowsAffected == 0 {
		return User{}, ErrNotFollowing
	}
	return s.GetUser(ctx, followeeID)
}

// FollowingIDs returns the identifiers the user follows; feeds scope on it.
func (s *Service) FollowingIDs(ctx context.Context, userID string) ([]string, error) {
	var followeeIDs []string
	err := s.db.WithContext(ctx).
		Model(&Follow{}).
		Where("follower_id = ?", userID).
		Pluck("followee_id", &followeeIDs).Error
	if err != nil {
		return nil, err
	}
	return followeeIDs, nil
}

func (s *Service) ensureExists(ctx context.Context, userID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

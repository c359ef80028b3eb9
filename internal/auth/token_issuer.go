package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL        = 30 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour

	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	// ErrWrongTokenUse indicates a refresh token was presented where an
	// access token was expected, or the other way around.
	ErrWrongTokenUse = errors.New("token presented for the wrong use")
)

type rippleClaims struct {
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret   []byte
	Issuer          string
	Audience        string
	TokenTTL        time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// TokenIssuer issues and validates the signed, time-limited tokens used by
// HTTP requests and the subscription handshake alike.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret:   cfg.SigningSecret,
			Issuer:          cfg.Issuer,
			Audience:        cfg.Audience,
			TokenTTL:        ttl,
			RefreshTokenTTL: refreshTTL,
			Clock:           clock,
		},
		clock: clock,
	}
}

// IssueAccessToken produces a signed JWT and its expiry (seconds) for the given user.
func (i *TokenIssuer) IssueAccessToken(_ context.Context, userID string) (string, int64, error) {
	return i.issue(userID, tokenUseAccess, i.config.TokenTTL)
}

// IssueRefreshToken produces a long-lived refresh JWT for the given user.
func (i *TokenIssuer) IssueRefreshToken(_ context.Context, userID string) (string, int64, error) {
	return i.issue(userID, tokenUseRefresh, i.config.RefreshTokenTTL)
}

func (i *TokenIssuer) issue(userID, use string, ttl time.Duration) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl).UTC()

	claims := rippleClaims{
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if i.config.Audience != "" {
		claims.Audience = []string{i.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures an access JWT is well formed and returns its subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	return i.validate(tokenString, tokenUseAccess)
}

// ValidateRefreshToken ensures a refresh JWT is well formed and returns its subject.
func (i *TokenIssuer) ValidateRefreshToken(tokenString string) (string, error) {
	return i.validate(tokenString, tokenUseRefresh)
}

func (i *TokenIssuer) validate(tokenString, expectedUse string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	// An unset issuer or audience means the claim is not enforced. Passing
	// an empty expectation to the parser would instead require the claim.
	options := []jwt.ParserOption{jwt.WithTimeFunc(i.clock)}
	if i.config.Audience != "" {
		options = append(options, jwt.WithAudience(i.config.Audience))
	}
	if i.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.config.Issuer))
	}

	claims := &rippleClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		options...,
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	if claims.TokenUse != expectedUse {
		return "", ErrWrongTokenUse
	}
	return claims.Subject, nil
}

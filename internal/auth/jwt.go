package auth

import (
	"errors"
	"fmt"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const clockSkew = 30 * time.Second

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", apperr.ErrAuth)
	ErrTokenType    = fmt.Errorf("%w: wrong token type", apperr.ErrAuth)
)

// Manager issues and verifies the HS256 token pairs of dashboard users.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now for the middleware and the HTTP handlers.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

func NewManager(cfg config.AuthConfig, opts ...Option) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	m := &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.clock() }

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// IssuePair signs an access token carrying role and a role-less refresh token.
func (m *Manager) IssuePair(now time.Time, userID, role string) (TokenPair, error) {
	if userID == "" || role == "" {
		return TokenPair{}, apperr.Validation("user id and role are required")
	}
	access, err := m.sign(now, Claims{UserID: userID, Role: role, TokenType: TokenTypeAccess}, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, Claims{UserID: userID, TokenType: TokenTypeRefresh}, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessTTL / time.Second),
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair with the given role.
func (m *Manager) Refresh(refreshToken, role string, now time.Time) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return m.IssuePair(now, claims.UserID, role)
}

// Verify checks signature, issuer, audience and lifetime against now, then
// the token type. Every failure wraps apperr.ErrAuth.
func (m *Manager) Verify(token string, want TokenType, now time.Time) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch {
	case claims.TokenType != want:
		return Claims{}, ErrTokenType
	case claims.UserID == "":
		return Claims{}, fmt.Errorf("%w: user_id missing", ErrInvalidToken)
	case want == TokenTypeAccess && claims.Role == "":
		return Claims{}, fmt.Errorf("%w: role missing", ErrInvalidToken)
	}
	return claims, nil
}

func (m *Manager) validator(now time.Time) *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewValidator(opts...)
}

func (m *Manager) sign(now time.Time, c Claims, ttl time.Duration) (string, error) {
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if m.audience != "" {
		c.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

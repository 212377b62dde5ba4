// Package auth issues, resolves and revokes bearer credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/config"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/store"
)

// ErrUnauthorized covers every credential failure: malformed, expired, revoked
// or pointing at an unknown user.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the token payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs HS256 tokens and checks them against the revocation store.
type Authenticator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	users   user.Store
	revoked store.RevocationStore
	now     func() time.Time
	logger  *zap.Logger
}

// NewAuthenticator builds an Authenticator from the auth config section.
func NewAuthenticator(cfg config.AuthConfig, users user.Store, revoked store.RevocationStore, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	return &Authenticator{
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
		ttl:     ttl,
		users:   users,
		revoked: revoked,
		now:     time.Now,
		logger:  logger.Named("auth"),
	}
}

// Issue signs a token for u and returns it with its expiry.
func (a *Authenticator) Issue(u user.User) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Resolve validates token and returns the user it belongs to.
func (a *Authenticator) Resolve(ctx context.Context, token string) (user.User, error) {
	claims, err := a.parse(token)
	if err != nil {
		return user.User{}, err
	}

	revoked, err := a.revoked.IsTokenRevoked(ctx, token)
	if err != nil {
		return user.User{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return user.User{}, fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}

	u, err := a.users.FindUserByID(ctx, claims.Subject)
	if errors.Is(err, user.ErrNotFound) {
		return user.User{}, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// Revoke blacklists a valid token until it would have expired anyway.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	expiresAt := a.now().Add(a.ttl)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := a.revoked.RevokeToken(ctx, token, expiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	a.logger.Info("token revoked", zap.String("user", claims.Subject), zap.Time("until", expiresAt))
	return nil
}

func (a *Authenticator) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims, nil
}

// BearerToken extracts the credential from "Authorization: Bearer <token>".
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Package auth authenticates console operators from bearer tokens and resolves their tenant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoTenant is returned when the token is valid but the user belongs to no tenant.
	ErrNoTenant = errors.New("user has no organization")
)

// Operator is an authenticated console user acting within one tenant.
type Operator struct {
	UserID   string
	TenantID string
}

// Claims are the token claims LeadPipe reads. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ProfileReader looks up the profile that links a user to a tenant.
type ProfileReader interface {
	GetProfileByUserID(ctx context.Context, userID string) (models.Profile, error)
}

// Opts holds configuration for the Verifier.
type Opts struct {
	Secret          string
	OnAuthenticated func(ctx context.Context, op Operator, claims *Claims)
}

// Option defines a configuration option for the Verifier.
type Option func(*Opts)

// WithSecret sets the HMAC secret tokens are signed with.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithOnAuthenticated registers a callback run after every successful authentication.
func WithOnAuthenticated(fn func(ctx context.Context, op Operator, claims *Claims)) Option {
	return func(o *Opts) { o.OnAuthenticated = fn }
}

// Verifier validates HS256 access tokens and maps them to operators.
type Verifier struct {
	secret          []byte
	profiles        ProfileReader
	onAuthenticated func(ctx context.Context, op Operator, claims *Claims)
}

// NewVerifier creates a Verifier. The secret falls back to AUTH_JWT_SECRET.
func NewVerifier(profiles ProfileReader, opts ...Option) (*Verifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("AUTH_JWT_SECRET")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET not set")
	}
	if profiles == nil {
		return nil, fmt.Errorf("profile reader must be provided")
	}
	return &Verifier{secret: []byte(cfg.Secret), profiles: profiles, onAuthenticated: cfg.OnAuthenticated}, nil
}

// Authenticate validates token and resolves the operator's tenant.
func (v *Verifier) Authenticate(ctx context.Context, token string) (Operator, error) {
	if token == "" {
		return Operator{}, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		slog.Warn("Verifier.Authenticate: token rejected", "error", err)
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		slog.Warn("Verifier.Authenticate: token without subject")
		return Operator{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	profile, err := v.profiles.GetProfileByUserID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Verifier.Authenticate: no profile for user", "userID", claims.Subject)
		return Operator{}, ErrNoTenant
	}
	if err != nil {
		slog.Error("Verifier.Authenticate: profile lookup failed", "error", err, "userID", claims.Subject)
		return Operator{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile.TenantID == "" {
		return Operator{}, ErrNoTenant
	}

	op := Operator{UserID: claims.Subject, TenantID: profile.TenantID}
	slog.Debug("Verifier.Authenticate: operator authenticated", "userID", op.UserID, "tenantID", op.TenantID)
	if v.onAuthenticated != nil {
		v.onAuthenticated(ctx, op, claims)
	}
	return op, nil
}

// IssueToken signs an HS256 access token for userID valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type operatorCtxKey struct{}

// WithOperator returns a context carrying op.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorCtxKey{}, op)
}

// OperatorFromContext returns the operator stored on ctx.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorCtxKey{}).(Operator)
	return op, ok
}

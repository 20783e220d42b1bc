package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "carebid"

// Account classifications. They double as authorization roles: the external
// identity provider mints tokens carrying exactly one of these in the roles
// claim, matching the identity's classification in the store.
const (
	RoleAdmin         = "admin"
	RoleHospital      = "hospital"
	RoleHospitalStaff = "hospital_staff"
	RoleSupplier      = "supplier"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.RWMutex
	secret   []byte
)

// SetSecret installs the HS256 signing secret shared with the identity
// provider. Must be called before any token is generated or validated.
func SetSecret(s string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = []byte(strings.TrimSpace(s))
}

func loadSecret() ([]byte, error) {
	secretMu.RLock()
	defer secretMu.RUnlock()
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	return secret, nil
}

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// GenerateToken signs a JWT for the given identity and roles using HS256.
// The API itself never issues end-user tokens; this exists for the seed and
// smoke tooling and for tests.
func GenerateToken(identityID string, roles []string, ttl time.Duration) (string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", errors.New("identityID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the token signature and required claims.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secretBytes, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

type ctxKey string

const (
	identityIDKey ctxKey = "auth_identity_id"
	rolesKey      ctxKey = "auth_roles"
)

// ContextWithCaller stores the caller identity in the context.
func ContextWithCaller(ctx context.Context, identityID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, identityIDKey, strings.TrimSpace(identityID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// CallerID extracts the authenticated identity id from context.
func CallerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// CallerRoles returns the roles stored in context (deduplicated, lower-cased).
func CallerRoles(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context caller holds the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range CallerRoles(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole is the single authorization capability every privileged
// operation checks at entry. It fails with ErrUnauthenticated when no caller
// is attached and ErrForbidden when the caller lacks the role.
func RequireRole(ctx context.Context, role string) error {
	if _, ok := CallerID(ctx); !ok {
		return ErrUnauthenticated
	}
	if !HasRole(ctx, role) {
		return ErrForbidden
	}
	return nil
}

// RequireAnyRole succeeds when the caller holds at least one of the roles.
func RequireAnyRole(ctx context.Context, roles ...string) error {
	if _, ok := CallerID(ctx); !ok {
		return ErrUnauthenticated
	}
	for _, role := range roles {
		if HasRole(ctx, role) {
			return nil
		}
	}
	return ErrForbidden
}

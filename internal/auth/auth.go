// Package auth issues and validates the bearer tokens accepted by hibiki.
//
// Tokens are HS256 JWTs scoped to one tenant. API tokens authorize the run
// query and trigger endpoints. Task tokens are minted per spawned agent task
// and only authorize that task's completion callback.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "hibiki"
	audience = "hibiki"
)

// Scope limits what a token may be used for.
type Scope string

const (
	ScopeAPI  Scope = "api"
	ScopeTask Scope = "task"
)

// ErrWrongScope is returned when a valid token is presented for the wrong purpose.
var ErrWrongScope = errors.New("auth: token scope not permitted")

// Claims extends jwt.RegisteredClaims with hibiki-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID  `json:"tenant_id"`
	Scope    Scope      `json:"scope"`
	TaskID   *uuid.UUID `json:"task_id,omitempty"` // Set on task tokens only.
}

// MaxTaskTokenTTL caps the lifetime of a task callback token.
const MaxTaskTokenTTL = 24 * time.Hour

// JWTManager handles JWT creation and validation using a shared HMAC secret.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager. If secret is empty, an ephemeral
// random secret is generated (for development); tokens then do not survive
// a restart.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		slog.Warn("auth: no JWT secret configured, generating ephemeral secret (not for production)")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	}
	return &JWTManager{secret: key, expiration: expiration, now: time.Now}, nil
}

// IssueToken creates an API token for subject acting inside tenantID.
func (m *JWTManager) IssueToken(tenantID uuid.UUID, subject string) (string, time.Time, error) {
	return m.issue(Claims{TenantID: tenantID, Scope: ScopeAPI}, subject, m.expiration)
}

// IssueTaskToken creates a token that may only complete taskID. TTL is
// capped at MaxTaskTokenTTL regardless of the requested value.
func (m *JWTManager) IssueTaskToken(tenantID, taskID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxTaskTokenTTL {
		ttl = MaxTaskTokenTTL
	}
	id := taskID
	return m.issue(Claims{TenantID: tenantID, Scope: ScopeTask, TaskID: &id}, "task:"+taskID.String(), ttl)
}

func (m *JWTManager) issue(claims Claims, subject string, ttl time.Duration) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.TenantID == uuid.Nil {
		return nil, fmt.Errorf("auth: token has no tenant")
	}
	switch claims.Scope {
	case ScopeAPI:
	case ScopeTask:
		if claims.TaskID == nil {
			return nil, fmt.Errorf("auth: task token has no task_id")
		}
	default:
		return nil, fmt.Errorf("auth: unknown scope %q", claims.Scope)
	}
	return claims, nil
}

// CanCompleteTask reports whether claims authorize completing taskID.
// API tokens of the same tenant may complete any task; task tokens only their own.
func (c *Claims) CanCompleteTask(tenantID, taskID uuid.UUID) error {
	if c.TenantID != tenantID {
		return ErrWrongScope
	}
	if c.Scope == ScopeTask && (c.TaskID == nil || *c.TaskID != taskID) {
		return ErrWrongScope
	}
	return nil
}

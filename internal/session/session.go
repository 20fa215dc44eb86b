// Package session verifies the auth provider's access tokens and tracks the
// signed-in identity for the local portal service.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/patient-portal/pkg/logging"
)

var (
	ErrAuthDisabled = errors.New("session: jwt secret not configured")
	ErrInvalidToken = errors.New("session: invalid token")
	ErrNoSession    = errors.New("session: not signed in")
)

// Claims are the access token claims the portal relies on.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified user.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Verifier checks HS256 tokens signed with the provider's shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the time used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := Identity{UserID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Listener is told about every identity change, including token refreshes
// for the same user. Logout is reported with a zero Identity.
type Listener func(ctx context.Context, id Identity)

// Manager holds the current identity.
type Manager struct {
	verifier *Verifier
	logger   *logging.Logger

	mu        sync.RWMutex
	current   Identity
	listeners []Listener
}

func NewManager(verifier *Verifier, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{verifier: verifier, logger: logger}
}

// OnChange registers l for identity changes.
func (m *Manager) OnChange(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Login verifies token and makes its subject the current identity.
func (m *Manager) Login(ctx context.Context, token string) (Identity, error) {
	id, err := m.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	m.mu.Lock()
	prev := m.current
	m.current = id
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if prev.UserID == id.UserID {
		m.logger.Info("session refreshed", "user_id", id.UserID)
	} else {
		m.logger.Info("session started", "user_id", id.UserID, "previous_user_id", prev.UserID)
	}
	for _, l := range listeners {
		l(ctx, id)
	}
	return id, nil
}

// Logout clears the identity. It reports false when nobody was signed in.
func (m *Manager) Logout(ctx context.Context) bool {
	m.mu.Lock()
	prev := m.current
	m.current = Identity{}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if prev.UserID == "" {
		return false
	}
	m.logger.Info("session ended", "user_id", prev.UserID)
	for _, l := range listeners {
		l(ctx, Identity{})
	}
	return true
}

// Current returns the signed-in identity.
func (m *Manager) Current() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current.UserID != ""
}

// Authorize checks that token belongs to the signed-in user.
func (m *Manager) Authorize(token string) (Identity, error) {
	id, err := m.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	cur, ok := m.Current()
	if !ok {
		return Identity{}, ErrNoSession
	}
	if cur.UserID != id.UserID {
		return Identity{}, fmt.Errorf("%w: token subject is not the signed-in user", ErrInvalidToken)
	}
	return id, nil
}

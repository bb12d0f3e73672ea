// Package gate implements the PIN attempt model, session tokens, and the
// per-source rate limits that guard the HTTP and websocket surfaces.
package gate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/events"
)

// Config tunes the gate. An empty PIN disables authentication entirely.
type Config struct {
	PIN               string
	SessionTTL        time.Duration
	MaxAttempts       int
	LockdownThreshold int
}

// Session is one minted token record.
type Session struct {
	Token     string
	Source    string
	CreatedAt time.Time
}

type sourceRecord struct {
	failed  int
	blocked bool
}

// Gate owns tokens, per-source attempt records, and the lockdown flag.
type Gate struct {
	mu sync.Mutex

	cfg      Config
	sessions map[string]*Session
	sources  map[string]*sourceRecord

	// distinct sources with at least one failed attempt this process lifetime
	failedSources map[string]struct{}

	lockdown       bool
	lockdownReason string

	limits *limiterSet

	bus *events.Bus
	log *logging.Logger
}

// New builds a gate.
func New(cfg Config, bus *events.Bus, log *logging.Logger) *Gate {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 4 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LockdownThreshold <= 0 {
		cfg.LockdownThreshold = 5
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Gate{
		cfg:           cfg,
		sessions:      make(map[string]*Session),
		sources:       make(map[string]*sourceRecord),
		failedSources: make(map[string]struct{}),
		limits:        newLimiterSet(),
		bus:           bus,
		log:           log,
	}
}

// Enabled reports whether a PIN is configured.
func (g *Gate) Enabled() bool { return g.cfg.PIN != "" }

// LoginResult is the successful outcome of AttemptLogin.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
}

// AttemptLogin validates pin for source and mints a session token.
func (g *Gate) AttemptLogin(source, pin string) (*LoginResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.sources[source]
	if rec == nil {
		rec = &sourceRecord{}
		g.sources[source] = rec
	}

	if rec.blocked {
		return nil, svcerrors.SourceBlocked()
	}
	if g.lockdown {
		return nil, svcerrors.GlobalLockdown(g.lockdownReason)
	}

	if subtle.ConstantTimeCompare([]byte(pin), []byte(g.cfg.PIN)) != 1 {
		rec.failed++
		g.failedSources[source] = struct{}{}
		remaining := g.cfg.MaxAttempts - rec.failed
		if remaining < 0 {
			remaining = 0
		}

		g.emit(events.KindSecurityLoginFailed, map[string]interface{}{
			"source":            source,
			"attemptsRemaining": remaining,
		})

		if rec.failed >= g.cfg.MaxAttempts {
			rec.blocked = true
			g.emit(events.KindSecurityIPBlocked, map[string]interface{}{"source": source})
			g.log.WithField("source", source).Warn("source blocked after repeated PIN failures")
		}
		if !g.lockdown && len(g.failedSources) >= g.cfg.LockdownThreshold {
			g.lockdown = true
			g.lockdownReason = fmt.Sprintf("%d distinct sources failed authentication", len(g.failedSources))
			g.emit(events.KindGlobalLockdown, map[string]interface{}{"reason": g.lockdownReason})
			g.log.Error("global lockdown engaged: " + g.lockdownReason)
		}

		err := svcerrors.Unauthenticated("incorrect PIN").
			WithDetails("attemptsRemaining", remaining)
		if rec.blocked {
			err = err.WithDetails("blocked", true)
		}
		return nil, err
	}

	rec.failed = 0

	token, err := mintToken()
	if err != nil {
		return nil, svcerrors.Internal("token generation failed", err)
	}
	now := time.Now()
	g.sessions[token] = &Session{Token: token, Source: source, CreatedAt: now}
	return &LoginResult{Token: token, ExpiresAt: now.Add(g.cfg.SessionTTL)}, nil
}

// Validate checks a token presented from source. Expired tokens are purged.
func (g *Gate) Validate(token, source string) error {
	if !g.Enabled() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[token]
	if !ok {
		return svcerrors.Unauthenticated("invalid session token")
	}
	if sess.Source != source {
		return svcerrors.Unauthenticated("session token bound to a different source")
	}
	if time.Since(sess.CreatedAt) > g.cfg.SessionTTL {
		delete(g.sessions, token)
		return svcerrors.TokenExpired()
	}
	return nil
}

// Refresh re-stamps the session's creation time.
func (g *Gate) Refresh(token, source string) (time.Time, error) {
	if err := g.Validate(token, source); err != nil {
		return time.Time{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[token]
	if !ok {
		return time.Time{}, svcerrors.Unauthenticated("invalid session token")
	}
	sess.CreatedAt = time.Now()
	return sess.CreatedAt.Add(g.cfg.SessionTTL), nil
}

// Logout deletes the session. Unknown tokens are a no-op.
func (g *Gate) Logout(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, token)
}

// SessionInfo returns the session behind a valid token.
func (g *Gate) SessionInfo(token, source string) (*Session, error) {
	if err := g.Validate(token, source); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[token]
	if !ok {
		return nil, svcerrors.Unauthenticated("invalid session token")
	}
	copy := *sess
	return &copy, nil
}

// ClearLockdown is the explicit administrative reset for the lockdown flag.
func (g *Gate) ClearLockdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lockdown = false
	g.lockdownReason = ""
}

// PurgeExpired drops expired sessions; scheduled on the maintenance cron.
func (g *Gate) PurgeExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	purged := 0
	for token, sess := range g.sessions {
		if time.Since(sess.CreatedAt) > g.cfg.SessionTTL {
			delete(g.sessions, token)
			purged++
		}
	}
	return purged
}

// Stats summarises gate state for the auth stats endpoint.
type Stats struct {
	Enabled        bool   `json:"enabled"`
	ActiveSessions int    `json:"activeSessions"`
	BlockedSources int    `json:"blockedSources"`
	FailedSources  int    `json:"failedSources"`
	Lockdown       bool   `json:"lockdown"`
	LockdownReason string `json:"lockdownReason,omitempty"`
}

// Snapshot returns current gate counters.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	blocked := 0
	for _, rec := range g.sources {
		if rec.blocked {
			blocked++
		}
	}
	return Stats{
		Enabled:        g.Enabled(),
		ActiveSessions: len(g.sessions),
		BlockedSources: blocked,
		FailedSources:  len(g.failedSources),
		Lockdown:       g.lockdown,
		LockdownReason: g.lockdownReason,
	}
}

func (g *Gate) emit(kind events.Kind, payload map[string]interface{}) {
	if g.bus != nil {
		g.bus.Emit(kind, payload)
	}
}

func mintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

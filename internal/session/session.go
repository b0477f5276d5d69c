// Package session implements the Session Registry (C9): mapping opaque
// session IDs to engine instances plus a per-session websocket fanout,
// capacity enforcement, and idle-timeout eviction. This is the module's
// only shared, mutex-guarded map (§5).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orly-timing/regburst/internal/engine"
	"github.com/orly-timing/regburst/internal/events"
)

// ErrInvalidSessionID is returned when a session ID fails strict UUIDv4
// validation (§4.9).
var ErrInvalidSessionID = errors.New("session: id must be a valid UUIDv4")

// ErrNotFound is returned by lookups for unknown session IDs.
var ErrNotFound = errors.New("session: not found")

// ErrCapacityExceeded is the explicit capacity error surfaced at the REST
// layer (§4.9, §7).
var ErrCapacityExceeded = errors.New("session: registry at capacity")

// ErrEngineAlreadyRunning is returned by /register/start when a session's
// engine is already active (§6: 409).
var ErrEngineAlreadyRunning = errors.New("session: engine already running")

// ErrNoEngine is returned by /register/cancel when no engine exists (§6: 404).
var ErrNoEngine = errors.New("session: no engine to cancel")

// Config is the per-session configuration set via /api/config (§6). Token
// is write-only: it is accepted on write but never echoed back by GetConfig.
type Config struct {
	ECRNList    []string      `json:"ecrn_list"`
	SCRNList    []string      `json:"scrn_list"`
	KayitSaati  string        `json:"kayit_saati"` // HH:MM:SS, civil time
	MaxDeneme   int           `json:"max_deneme"`
	RetryAralik time.Duration `json:"retry_aralik"`
	DryRun      bool          `json:"dry_run"`
	Token       string        `json:"token,omitempty"`
}

// Session is (session_id, config, engine?, fanout, last_active) per §3.
type Session struct {
	ID         string
	Bus        *events.Bus
	mu         sync.Mutex
	eng        *engine.Engine
	lastActive time.Time
	cfg        Config
}

// SetConfig replaces the session's configuration.
func (s *Session) SetConfig(c Config) {
	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
}

// GetConfig returns a copy of the session's configuration with Token redacted,
// since it is write-only (§6: "token write-only").
func (s *Session) GetConfig() Config {
	s.mu.Lock()
	c := s.cfg
	s.mu.Unlock()
	c.Token = ""
	return c
}

// Token returns the stored bearer token for internal use (engine
// construction); it is never exposed via GetConfig.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Token
}

func newSession(id string) *Session {
	return &Session{ID: id, Bus: events.NewBus(), lastActive: time.Now()}
}

// Engine returns the currently owned engine, if any.
func (s *Session) Engine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

// touch updates last_active; every request touches it per §4.9.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) engineRunning() bool {
	s.mu.Lock()
	e := s.eng
	s.mu.Unlock()
	return e != nil && e.Running()
}

// Registry is the map session_id -> Session, enforcing a capacity cap and
// evicting idle, non-running sessions on admission (§4.9).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	capacity int
	idleTTL  time.Duration
}

// NewRegistry constructs an empty Registry.
func NewRegistry(capacity int, idleTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		capacity: capacity,
		idleTTL:  idleTTL,
	}
}

// ValidateID enforces the strict UUIDv4 pattern required of session IDs
// (§3, §4.9, §6).
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	// uuid.Parse also accepts urn:uuid:, braced and undashed forms; only the
	// canonical 36-character RFC 4122 form is allowed here.
	if err != nil || len(id) != 36 || parsed.Version() != 4 || parsed.Variant() != uuid.RFC4122 {
		return ErrInvalidSessionID
	}
	return nil
}

// GetOrCreate returns the existing session for id, or admits a new one,
// evicting idle non-running sessions first if the registry is at capacity.
// Every call touches last_active (§4.9).
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.touch()
		return s, nil
	}

	if len(r.sessions) >= r.capacity {
		r.evictIdleLocked()
		if len(r.sessions) >= r.capacity {
			return nil, ErrCapacityExceeded
		}
	}

	s := newSession(id)
	r.sessions[id] = s
	return s, nil
}

// Get returns an existing session without creating one.
func (r *Registry) Get(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch()
	return s, nil
}

// evictIdleLocked removes sessions whose engine is not running and whose
// last_active predates idleTTL; caller must hold r.mu.
func (r *Registry) evictIdleLocked() {
	cutoff := time.Now().Add(-r.idleTTL)
	for id, s := range r.sessions {
		if s.engineRunning() {
			continue
		}
		if s.idleSince().Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}

// Len reports the current number of sessions (diagnostics/tests).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartEngine installs and starts eng as s's owned engine, in its own
// goroutine, mirroring the per-session "one dedicated worker" model of §5.
// Returns ErrEngineAlreadyRunning when an engine is already active.
func (s *Session) StartEngine(ctx context.Context, eng *engine.Engine) error {
	s.mu.Lock()
	if s.eng != nil && s.eng.Running() {
		s.mu.Unlock()
		return ErrEngineAlreadyRunning
	}
	s.eng = eng
	s.mu.Unlock()

	go eng.Start(ctx)
	return nil
}

// CancelEngine cooperatively cancels the owned engine.
func (s *Session) CancelEngine() error {
	s.mu.Lock()
	e := s.eng
	s.mu.Unlock()
	if e == nil {
		return ErrNoEngine
	}
	e.Cancel()
	return nil
}

// ResetEngine forcibly clears a stuck engine reference; always succeeds
// (§6 /api/register/reset: "always 200").
func (s *Session) ResetEngine() {
	s.mu.Lock()
	if s.eng != nil {
		s.eng.Cancel()
	}
	s.eng = nil
	s.mu.Unlock()
}

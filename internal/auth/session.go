package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle position of an operator session.
type State string

const (
	StateLoggedOut      State = "logged_out"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

// Guard events reported to an Observer.
const (
	EventLoginSucceeded = "login_succeeded"
	EventLoginFailed    = "login_failed"
	EventLockoutStarted = "lockout_started"
	EventLockedReject   = "locked_rejected"
	EventSessionExpired = "session_expired"
	EventLogout         = "logout"
)

// Observer receives guard events. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveAuth(event string)
}

// GuardConfig holds the login throttling and session lifetime settings.
type GuardConfig struct {
	MaxAttempts int
	Lockout     time.Duration
	SessionTTL  time.Duration
}

// DefaultGuardConfig returns a GuardConfig with the default limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxAttempts: 5,
		Lockout:     900 * time.Second,
		SessionTTL:  1800 * time.Second,
	}
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// GuardStatus is a point-in-time view of a Guard.
type GuardStatus struct {
	Operator        string    `json:"operator"`
	State           State     `json:"state"`
	FailedAttempts  int       `json:"failed_attempts"`
	LockedUntil     time.Time `json:"locked_until,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Guard gates one operator's access behind the admin credential. Failed attempts
// lead to a temporary lockout and authenticated sessions expire after the TTL.
type Guard struct {
	mu       sync.Mutex
	cred     Credential
	cfg      GuardConfig
	now      func() time.Time
	observer Observer
	logger   zerolog.Logger
	operator string

	state       State
	failures    int
	lockedUntil time.Time
	authedAt    time.Time
	// generation changes on Logout so an in-flight login can tell it was cancelled.
	generation uint64
}

// NewGuard creates a logged-out guard for operator.
func NewGuard(operator string, cred Credential, cfg GuardConfig, logger zerolog.Logger, opts ...GuardOption) *Guard {
	def := DefaultGuardConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = def.Lockout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}

	g := &Guard{
		cred:     cred,
		cfg:      cfg,
		now:      time.Now,
		operator: operator,
		state:    StateLoggedOut,
		logger:   logger.With().Str("component", "session_guard").Str("operator", operator).Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Login verifies candidate against the credential. While locked out the
// credential is not consulted at all.
func (g *Guard) Login(candidate string) error {
	g.mu.Lock()
	now := g.now()
	if now.Before(g.lockedUntil) {
		retry := g.lockedUntil.Sub(now)
		g.mu.Unlock()
		g.emit(EventLockedReject)
		g.logger.Warn().Dur("retry_after", retry).Msg("login rejected while locked out")
		return &Error{Reason: ErrLockedOut.Reason, RetryAfter: retry}
	}
	if g.state == StateAuthenticating {
		g.mu.Unlock()
		return ErrLoginInProgress
	}
	prev := g.state
	g.state = StateAuthenticating
	gen := g.generation
	g.mu.Unlock()

	ok := g.cred != nil && g.cred.Verify(candidate)

	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.generation {
		return ErrNotAuthenticated
	}
	now = g.now()

	if ok {
		g.state = StateAuthenticated
		g.authedAt = now
		g.failures = 0
		g.lockedUntil = time.Time{}
		g.emit(EventLoginSucceeded)
		g.logger.Info().Msg("operator authenticated")
		return nil
	}

	if prev == StateAuthenticated {
		prev = StateLoggedOut
	}
	g.state = prev
	g.authedAt = time.Time{}
	g.failures++
	g.emit(EventLoginFailed)

	if g.failures >= g.cfg.MaxAttempts {
		g.lockedUntil = now.Add(g.cfg.Lockout)
		g.failures = 0
		g.emit(EventLockoutStarted)
		g.logger.Warn().
			Int("max_attempts", g.cfg.MaxAttempts).
			Time("locked_until", g.lockedUntil).
			Msg("too many failed login attempts, locking out")
		return &Error{Reason: ErrInvalidCredential.Reason, Err: &Error{Reason: ErrLockedOut.Reason, RetryAfter: g.cfg.Lockout}}
	}

	g.logger.Warn().Int("failed_attempts", g.failures).Msg("login failed")
	return ErrInvalidCredential
}

// Check confirms the session is authenticated and within its TTL. An expired
// session is logged out.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if g.now().Sub(g.authedAt) > g.cfg.SessionTTL {
		g.state = StateLoggedOut
		g.authedAt = time.Time{}
		g.emit(EventSessionExpired)
		g.logger.Info().Msg("session expired")
		return ErrSessionExpired
	}
	return nil
}

// Logout ends the session. It is valid in every state.
func (g *Guard) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasAuthed := g.state == StateAuthenticated
	g.state = StateLoggedOut
	g.authedAt = time.Time{}
	g.generation++
	if wasAuthed {
		g.emit(EventLogout)
		g.logger.Info().Msg("operator logged out")
	}
}

// State returns the current state without enforcing the TTL.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Status returns a snapshot of the guard.
func (g *Guard) Status() GuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GuardStatus{
		Operator:       g.operator,
		State:          g.state,
		FailedAttempts: g.failures,
	}
	if g.now().Before(g.lockedUntil) {
		st.LockedUntil = g.lockedUntil
	}
	if g.state == StateAuthenticated {
		st.AuthenticatedAt = g.authedAt
		st.ExpiresAt = g.authedAt.Add(g.cfg.SessionTTL)
	}
	return st
}

func (g *Guard) throttled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures > 0 || g.now().Before(g.lockedUntil)
}

func (g *Guard) emit(event string) {
	if g.observer != nil {
		g.observer.ObserveAuth(event)
	}
}

// Sessions holds one Guard per operator id, all sharing a credential and limits.
type Sessions struct {
	mu     sync.Mutex
	cred   Credential
	cfg    GuardConfig
	logger zerolog.Logger
	opts   []GuardOption
	guards map[string]*Guard
}

// NewSessions creates an empty session registry.
func NewSessions(cred Credential, cfg GuardConfig, logger zerolog.Logger, opts ...GuardOption) *Sessions {
	return &Sessions{
		cred:   cred,
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		guards: make(map[string]*Guard),
	}
}

// Guard returns the guard for operator, creating it on first use.
func (s *Sessions) Guard(operator string) *Guard {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guards[operator]
	if !ok {
		g = NewGuard(operator, s.cred, s.cfg, s.logger, s.opts...)
		s.guards[operator] = g
	}
	return g
}

// Remove logs operator out and forgets the guard. A guard that still counts
// failed attempts or holds a lockout is kept so the throttle outlives the session.
func (s *Sessions) Remove(operator string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guards[operator]
	if !ok {
		return
	}
	g.Logout()
	if g.throttled() {
		return
	}
	delete(s.guards, operator)
}

// Statuses returns a snapshot of every known guard.
func (s *Sessions) Statuses() []GuardStatus {
	s.mu.Lock()
	guards := make([]*Guard, 0, len(s.guards))
	for _, g := range s.guards {
		guards = append(guards, g)
	}
	s.mu.Unlock()

	out := make([]GuardStatus, 0, len(guards))
	for _, g := range guards {
		out = append(out, g.Status())
	}
	return out
}

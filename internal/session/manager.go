package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ExpiryPolicy decides whether a session should be stopped by Sweep.
type ExpiryPolicy interface {
	Expired(st Status, now time.Time) bool
}

// NeverExpire keeps sessions until they are confirmed or stopped explicitly.
type NeverExpire struct{}

func (NeverExpire) Expired(Status, time.Time) bool { return false }

// IdleTimeout expires running sessions that have not processed a frame for the given duration.
type IdleTimeout time.Duration

func (d IdleTimeout) Expired(st Status, now time.Time) bool {
	return d > 0 && st.State == Running && now.Sub(st.LastActivity) >= time.Duration(d)
}

// Option configures a Manager.
type Option func(*Manager)

func WithExpiry(p ExpiryPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.expiry = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session registry keyed by externally supplied ids.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rec      Recognizer
	expiry   ExpiryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(rec Recognizer, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		rec:      rec,
		expiry:   NeverExpire{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sessions")
	return m
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Start creates a running session. A stopped session with the same id is replaced.
func (m *Manager) Start(id string) (Status, error) {
	if id == "" {
		return Status{}, fmt.Errorf("session id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[id]; ok && old.running() {
		return Status{}, fmt.Errorf("%w: %s", ErrSessionAlreadyExists, id)
	}

	s := newSession(id, m.now)
	s.begin()
	m.sessions[id] = s
	m.logger.Info("session started", "session", id)
	return s.status(), nil
}

// Process recognizes every face in frame and counts the known identities.
func (m *Manager) Process(ctx context.Context, id string, frame types.Frame) ([]types.RecognitionEvent, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, m.rec, frame)
}

// Status is valid in any state.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// Confirm splits tracked identities at minRecognitions and stops the session.
func (m *Manager) Confirm(id string, minRecognitions int) (Result, error) {
	s, err := m.get(id)
	if err != nil {
		return Result{}, err
	}
	res, err := s.confirm(minRecognitions)
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("session confirmed", "session", id,
		"confirmed", len(res.Confirmed), "unconfirmed", len(res.Unconfirmed), "min", minRecognitions)
	return res, nil
}

// Stop ends the session without confirming. Stopping a stopped session is a no-op.
func (m *Manager) Stop(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.stop()
	m.logger.Info("session stopped", "session", id)
	return nil
}

// Active counts running sessions.
func (m *Manager) Active() int {
	n := 0
	for _, st := range m.List() {
		if st.State == Running {
			n++
		}
	}
	return n
}

// List returns every known session, oldest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep stops every session the expiry policy rejects at now and returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	var expired []string
	for _, s := range candidates {
		if m.expiry.Expired(s.status(), now) {
			s.stop()
			expired = append(expired, s.id)
			m.logger.Info("session expired", "session", s.id)
		}
	}
	sort.Strings(expired)
	return expired
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

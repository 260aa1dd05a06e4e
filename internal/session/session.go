// Package session aggregates per-frame recognitions into attendance decisions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrSessionNotRunning    = errors.New("session not running")
	ErrInvalidThreshold     = errors.New("min recognitions must be at least 1")
)

// State is the session lifecycle: Idle, then Running, then Stopped for good.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recognizer runs detection, encoding and matching over a whole frame.
type Recognizer interface {
	Recognize(ctx context.Context, frame types.Frame) ([]types.RecognitionEvent, error)
}

// Attendee is one tracked identity and how many frames it was recognized in.
type Attendee struct {
	IdentityID string
	Name       string
	Count      int
}

// Status is a point-in-time copy of a session.
type Status struct {
	ID              string
	State           State
	Attendees       []Attendee // first-seen order
	FramesProcessed uint64
	CreatedAt       time.Time
	LastActivity    time.Time
}

// Count returns the recognition count for an identity, zero if it was never seen.
func (s Status) Count(identityID string) int {
	for _, a := range s.Attendees {
		if a.IdentityID == identityID {
			return a.Count
		}
	}
	return 0
}

// Result is the outcome of Confirm.
type Result struct {
	SessionID       string
	MinRecognitions int
	Confirmed       []Attendee
	Unconfirmed     []Attendee
}

// Session is a single attendance run. All mutation goes through process, confirm and stop.
type Session struct {
	mu           sync.Mutex
	id           string
	state        State
	counts       map[string]*Attendee
	order        []string
	frames       uint64
	createdAt    time.Time
	lastActivity time.Time
	now          func() time.Time
}

func newSession(id string, now func() time.Time) *Session {
	t := now()
	return &Session{
		id:           id,
		state:        Idle,
		counts:       make(map[string]*Attendee),
		createdAt:    t,
		lastActivity: t,
		now:          now,
	}
}

func (s *Session) begin() {
	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running
}

// process recognizes the frame outside the lock so concurrent calls overlap on the
// expensive part, then applies the increments atomically.
func (s *Session) process(ctx context.Context, rec Recognizer, frame types.Frame) ([]types.RecognitionEvent, error) {
	if !s.running() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotRunning, s.id)
	}

	events, err := rec.Recognize(ctx, frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotRunning, s.id)
	}
	for _, ev := range events {
		if !ev.Known() {
			continue
		}
		a, ok := s.counts[ev.IdentityID]
		if !ok {
			a = &Attendee{IdentityID: ev.IdentityID}
			s.counts[ev.IdentityID] = a
			s.order = append(s.order, ev.IdentityID)
		}
		a.Name = ev.Name
		a.Count++
	}
	s.frames++
	s.lastActivity = s.now()
	return events, nil
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		ID:              s.id,
		State:           s.state,
		Attendees:       make([]Attendee, 0, len(s.order)),
		FramesProcessed: s.frames,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
	}
	for _, id := range s.order {
		st.Attendees = append(st.Attendees, *s.counts[id])
	}
	return st
}

func (s *Session) confirm(minRecognitions int) (Result, error) {
	if minRecognitions < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidThreshold, minRecognitions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotRunning, s.id)
	}

	res := Result{SessionID: s.id, MinRecognitions: minRecognitions}
	for _, id := range s.order {
		a := *s.counts[id]
		if a.Count >= minRecognitions {
			res.Confirmed = append(res.Confirmed, a)
		} else {
			res.Unconfirmed = append(res.Unconfirmed, a)
		}
	}
	s.state = Stopped
	s.lastActivity = s.now()
	return res, nil
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		s.state = Stopped
		s.lastActivity = s.now()
	}
}

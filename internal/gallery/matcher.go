// Package gallery holds the registered identities and resolves embeddings against them.
package gallery

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrDimensionMismatch is returned when an embedding does not have the gallery's dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrIdentityNotFound is returned by lookups for ids that were never registered.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Match is the outcome of resolving one embedding.
type Match struct {
	ID       string
	Name     string
	Distance float64
}

// Known reports whether the embedding resolved to a registered identity.
func (m Match) Known() bool { return m.ID != types.Unknown }

// Confidence maps the distance onto [0, 1], 1 being an exact match.
func (m Match) Confidence() float64 {
	c := 1 - m.Distance
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Matcher is the in-memory gallery. Entries are kept in registration order,
// which decides ties between equally distant identities.
type Matcher struct {
	mu        sync.RWMutex
	dim       int
	metric    Metric
	tolerance float64
	entries   []*types.GalleryEntry
	index     map[string]int
	now       func() time.Time
}

// New returns an empty gallery for embeddings of length dim.
func New(dim int, metric Metric, tolerance float64) (*Matcher, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("tolerance must not be negative, got %v", tolerance)
	}
	return &Matcher{
		dim:       dim,
		metric:    metric,
		tolerance: tolerance,
		index:     make(map[string]int),
		now:       time.Now,
	}, nil
}

func (m *Matcher) Dim() int { return m.dim }

func (m *Matcher) Metric() Metric { return m.metric }

func (m *Matcher) Tolerance() float64 { return m.tolerance }

func (m *Matcher) checkDim(emb types.Embedding) error {
	if len(emb) != m.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), m.dim)
	}
	return nil
}

// Register appends emb as a reference for id, creating the entry on first use.
// An existing entry keeps its name; use Rename to change it.
func (m *Matcher) Register(id, name string, emb types.Embedding) (types.GalleryEntry, error) {
	if id == "" || id == types.Unknown {
		return types.GalleryEntry{}, fmt.Errorf("invalid identity id %q", id)
	}
	if err := m.checkDim(emb); err != nil {
		return types.GalleryEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.index[id]; ok {
		e := m.entries[i]
		e.References = append(e.References, emb.Clone())
		return snapshot(e), nil
	}

	e := &types.GalleryEntry{
		ID:         id,
		Name:       name,
		References: []types.Embedding{emb.Clone()},
		CreatedAt:  m.now(),
	}
	m.index[id] = len(m.entries)
	m.entries = append(m.entries, e)
	return snapshot(e), nil
}

// Match resolves emb to the identity with the smallest distance over all references.
// A distance equal to the tolerance is still a match. An empty gallery yields Unknown.
func (m *Matcher) Match(emb types.Embedding) (Match, error) {
	if err := m.checkDim(emb); err != nil {
		return Match{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := -1
	bestDist := 0.0
	for i, e := range m.entries {
		for _, ref := range e.References {
			d := m.metric.Distance(emb, ref)
			// Strict comparison keeps the earliest registered identity on ties.
			if best == -1 || d < bestDist {
				best, bestDist = i, d
			}
		}
	}

	if best == -1 {
		return Match{ID: types.Unknown, Name: types.Unknown, Distance: 0}, nil
	}
	if bestDist > m.tolerance {
		return Match{ID: types.Unknown, Name: types.Unknown, Distance: bestDist}, nil
	}
	e := m.entries[best]
	return Match{ID: e.ID, Name: e.Name, Distance: bestDist}, nil
}

// Get returns a copy of the entry for id.
func (m *Matcher) Get(id string) (types.GalleryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return types.GalleryEntry{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	return snapshot(m.entries[i]), nil
}

// FindByName returns the earliest registered entry with the given name, ignoring case.
func (m *Matcher) FindByName(name string) (types.GalleryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if strings.EqualFold(e.Name, name) {
			return snapshot(e), true
		}
	}
	return types.GalleryEntry{}, false
}

// Entries returns copies of all entries in registration order.
func (m *Matcher) Entries() []types.GalleryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.GalleryEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = snapshot(e)
	}
	return out
}

// Len is the number of registered identities.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Rename changes the display name of id.
func (m *Matcher) Rename(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	m.entries[i].Name = name
	return nil
}

// Clear removes every identity.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.index = make(map[string]int)
}

// Restore replaces the gallery with entries, which must already be in registration order.
// Nothing changes if any entry is invalid.
func (m *Matcher) Restore(entries []types.GalleryEntry) error {
	restored := make([]*types.GalleryEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		if _, dup := index[e.ID]; dup {
			return fmt.Errorf("duplicate identity %s in restored gallery", e.ID)
		}
		if len(e.References) == 0 {
			return fmt.Errorf("identity %s has no reference embeddings", e.ID)
		}
		for _, ref := range e.References {
			if err := m.checkDim(ref); err != nil {
				return fmt.Errorf("identity %s: %w", e.ID, err)
			}
		}
		c := snapshot(&e)
		index[e.ID] = len(restored)
		restored = append(restored, &c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = restored
	m.index = index
	return nil
}

func snapshot(e *types.GalleryEntry) types.GalleryEntry {
	c := *e
	c.References = make([]types.Embedding, len(e.References))
	for i, r := range e.References {
		c.References[i] = r.Clone()
	}
	return c
}

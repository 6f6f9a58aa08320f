package diagnostics

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

type entry struct {
	diagnostics []Diagnostic
	updatedAt   time.Time
}

// Store holds the current diagnostics per resource and fans changes out
// to subscribers. Slow subscribers miss changes instead of blocking
// writers.
type Store struct {
	mu          sync.RWMutex
	byURI       map[string]entry
	subscribers map[string]chan Change
}

func NewStore() *Store {
	return &Store{
		byURI:       make(map[string]entry),
		subscribers: make(map[string]chan Change),
	}
}

// Set replaces every diagnostic for uri. An empty slice records a clean
// result rather than removing the entry.
func (s *Store) Set(uri string, diags []Diagnostic) {
	now := time.Now().UTC()
	cp := cloneDiagnostics(diags)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byURI[uri] = entry{diagnostics: cp, updatedAt: now}
	s.publishLocked(Change{URI: uri, Diagnostics: cloneDiagnostics(cp), At: now})
}

// Delete drops every diagnostic for uri. Deleting an unknown uri is a
// no-op and publishes nothing.
func (s *Store) Delete(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURI[uri]; !ok {
		return false
	}
	delete(s.byURI, uri)
	s.publishLocked(Change{URI: uri, Deleted: true, At: time.Now().UTC()})
	return true
}

func (s *Store) Get(uri string) ([]Diagnostic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byURI[uri]
	if !ok {
		return nil, false
	}
	return cloneDiagnostics(e.diagnostics), true
}

func (s *Store) All() []FileDiagnostics {
	s.mu.RLock()
	out := make([]FileDiagnostics, 0, len(s.byURI))
	for uri, e := range s.byURI {
		out = append(out, FileDiagnostics{
			URI:         uri,
			Diagnostics: cloneDiagnostics(e.diagnostics),
			UpdatedAt:   e.updatedAt,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for uri := range s.byURI {
		delete(s.byURI, uri)
		s.publishLocked(Change{URI: uri, Deleted: true, At: now})
	}
}

func (s *Store) Subscribe() (<-chan Change, func()) {
	id := uuid.NewString()
	ch := make(chan Change, subscriberBuffer)

	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Store) publishLocked(change Change) {
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func cloneDiagnostics(in []Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(in))
	copy(out, in)
	return out
}

// Package registry tracks live rendezvous sessions and the listing
// directory.
//
// The registry keeps two views of the same state: sessions indexed by
// session id, and a listing index mapping listing id to owning session id.
// Every mutation keeps the views consistent; removing a session removes its
// listing from both places atomically.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for Registry operations.
var (
	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrListingNotFound indicates no listing exists for the given id.
	ErrListingNotFound = errors.New("listing not found")

	// ErrListingExists indicates the session already owns a listing.
	ErrListingExists = errors.New("session already has a listing")
)

// Defaults for optional Registry parameters.
const (
	// DefaultSessionTimeout is the production idle bound before a session is
	// eligible for eviction.
	DefaultSessionTimeout = 15 * time.Minute

	// DefaultSweepChance is the per-RPC probability of running a timeout
	// sweep. The sweep piggybacks on RPC traffic; there is no background
	// timer task.
	DefaultSweepChance = 0.025
)

// MetricsReporter receives registry and punch lifecycle events. All methods
// must be safe for concurrent use and must not block.
type MetricsReporter interface {
	SessionOpened()
	SessionClosed()
	ListingCreated()
	ListingRemoved()
	SessionsEvicted(n int)
	PunchOrdered()
	PunchResult(success bool)
}

// noopMetrics is the MetricsReporter used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) SessionOpened()      {}
func (noopMetrics) SessionClosed()      {}
func (noopMetrics) ListingCreated()     {}
func (noopMetrics) ListingRemoved()     {}
func (noopMetrics) SessionsEvicted(int) {}
func (noopMetrics) PunchOrdered()       {}
func (noopMetrics) PunchResult(bool)    {}

// Registry owns all live sessions and the listing index.
//
// Both maps are guarded by a single read-write lock; per-session mutable
// fields live behind each Session's own lock. The map lock is held only for
// short critical sections and never across channel operations or I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	// listings maps listing id to owning session id. Kept in lockstep with
	// each session's listing field.
	listings map[uuid.UUID]uuid.UUID

	timeout     time.Duration
	sweepChance float64
	metrics     MetricsReporter
	logger      *slog.Logger
}

// Option configures optional Registry parameters.
type Option func(*Registry)

// WithMetrics sets the MetricsReporter. If mr is nil, a no-op reporter is
// used.
func WithMetrics(mr MetricsReporter) Option {
	return func(r *Registry) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// WithSessionTimeout overrides the idle bound before eviction.
func WithSessionTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSweepChance overrides the per-RPC sweep probability.
func WithSweepChance(p float64) Option {
	return func(r *Registry) {
		if p >= 0 && p <= 1 {
			r.sweepChance = p
		}
	}
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		listings:    make(map[uuid.UUID]uuid.UUID),
		timeout:     DefaultSessionTimeout,
		sweepChance: DefaultSweepChance,
		metrics:     noopMetrics{},
		logger:      logger.With(slog.String("component", "registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics returns the configured reporter, for collaborators that report
// punch outcomes.
func (r *Registry) Metrics() MetricsReporter { return r.metrics }

// SessionTimeout returns the configured idle bound.
func (r *Registry) SessionTimeout() time.Duration { return r.timeout }

// Add inserts a session into the registry.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.logger.Debug("session added",
		slog.String("session_id", s.ID().String()),
		slog.String("endpoint", s.Endpoint().String()),
		slog.Int("sessions", n),
	)
}

// Get returns the session for id.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// ResolveListing returns the session owning the given listing.
func (r *Registry) ResolveListing(listingID uuid.UUID) (*Session, error) {
	r.mu.RLock()
	owner, ok := r.listings[listingID]
	var s *Session
	if ok {
		s, ok = r.sessions[owner]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrListingNotFound)
	}
	return s, nil
}

// Remove deletes the given sessions and their listings from both views.
// Unknown ids are ignored, so the cleanup path is idempotent.
func (r *Registry) Remove(ids ...uuid.UUID) {
	var removed int

	r.mu.Lock()
	for _, id := range ids {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		delete(r.sessions, id)
		removed++

		if l, had := s.takeListing(); had {
			delete(r.listings, l.ID)
			r.metrics.ListingRemoved()
		}
	}
	r.mu.Unlock()

	for range removed {
		r.metrics.SessionClosed()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// -------------------------------------------------------------------------
// Listing Operations
// -------------------------------------------------------------------------

// AddListing creates a listing named name owned by the given session and
// returns its id. Returns ErrListingExists if the session already owns one.
func (r *Registry) AddListing(sessionID uuid.UUID, name string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return uuid.UUID{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	if _, has := s.Listing(); has {
		return uuid.UUID{}, fmt.Errorf("session %s: %w", sessionID, ErrListingExists)
	}

	l := Listing{ID: uuid.New(), Name: name}
	s.setListing(l)
	r.listings[l.ID] = sessionID

	r.metrics.ListingCreated()
	r.logger.Debug("listing created",
		slog.String("listing_id", l.ID.String()),
		slog.String("session_id", sessionID.String()),
		slog.String("name", name),
	)

	return l.ID, nil
}

// RemoveListing drops the session's listing from both views. A session with
// no listing is not an error; removal is idempotent.
func (r *Registry) RemoveListing(sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	if l, had := s.takeListing(); had {
		delete(r.listings, l.ID)
		r.metrics.ListingRemoved()
	}
	return nil
}

// Listings returns a snapshot of all live listings. Entry order is
// unspecified.
func (r *Registry) Listings() []ListingSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ListingSnapshot, 0, len(r.listings))
	for _, s := range r.sessions {
		if l, ok := s.Listing(); ok {
			out = append(out, ListingSnapshot{ID: l.ID, Owner: s.ID(), Name: l.Name})
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Timeout Sweep
// -------------------------------------------------------------------------

// MaybeSweep runs a timeout sweep with the configured probability. Called at
// the top of every unary RPC.
func (r *Registry) MaybeSweep() {
	if rand.Float64() < r.sweepChance {
		r.Sweep(time.Now())
	}
}

// Sweep evicts every session idle for at least the session timeout as of
// now. Returns the number of sessions evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var expired []uuid.UUID
	for id, s := range r.sessions {
		if s.IsTimedOut(now, r.timeout) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	r.Remove(expired...)
	r.metrics.SessionsEvicted(len(expired))
	r.logger.Info("evicted timed-out sessions", slog.Int("count", len(expired)))

	return len(expired)
}

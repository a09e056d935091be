package registry

import (
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testEndpoint returns a documentation-range endpoint (RFC 5737) with the
// given port.
func testEndpoint(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return New(slog.New(slog.DiscardHandler), opts...)
}

// addSession inserts a fresh session created at now and returns it.
func addSession(r *Registry, port uint16, now time.Time) *Session {
	s := NewSession(testEndpoint(port), now)
	r.Add(s)
	return s
}

// -------------------------------------------------------------------------
// Session liveness
// -------------------------------------------------------------------------

func TestSessionTimeoutBoundary(t *testing.T) {
	t.Parallel()

	const timeout = 60 * time.Second
	now := time.Now()

	// Last seen just beyond the timeout: timed out.
	s := NewSession(testEndpoint(1000), now.Add(-(timeout + 5*time.Second)))
	if !s.IsTimedOut(now, timeout) {
		t.Error("session idle for timeout+5s is not timed out")
	}

	// Last seen within the timeout: alive.
	s = NewSession(testEndpoint(1001), now.Add(-(timeout - 5*time.Second)))
	if s.IsTimedOut(now, timeout) {
		t.Error("session idle for timeout-5s is timed out")
	}
}

func TestSessionSeeMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewSession(testEndpoint(1000), now)

	// A stale timestamp must not move lastSeen backward.
	s.See(now.Add(-time.Minute))
	if got := s.LastSeen(); !got.Equal(now) {
		t.Errorf("LastSeen = %v after stale See, want %v", got, now)
	}

	later := now.Add(time.Second)
	s.See(later)
	if got := s.LastSeen(); !got.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", got, later)
	}
}

func TestSessionDrainStatuses(t *testing.T) {
	t.Parallel()

	s := NewSession(testEndpoint(1000), time.Now())
	s.Inbound() <- nil
	s.Inbound() <- nil

	s.DrainStatuses()

	select {
	case <-s.Inbound():
		t.Error("inbound queue not empty after drain")
	default:
	}
}

// -------------------------------------------------------------------------
// Registry CRUD
// -------------------------------------------------------------------------

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	if _, err := r.Get(uuid.New()); err == nil {
		t.Fatal("Get on empty registry succeeded")
	}
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	got, err := r.Get(s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	r.Remove(s.ID())
	r.Remove(s.ID())
	r.Remove(uuid.New())

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

// -------------------------------------------------------------------------
// Listings
// -------------------------------------------------------------------------

func TestAddListing(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	id, err := r.AddListing(s.ID(), "test listing")
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	owner, err := r.ResolveListing(id)
	if err != nil {
		t.Fatalf("ResolveListing: %v", err)
	}
	if owner.ID() != s.ID() {
		t.Errorf("listing owner = %s, want %s", owner.ID(), s.ID())
	}

	listings := r.Listings()
	if len(listings) != 1 {
		t.Fatalf("Listings len = %d, want 1", len(listings))
	}
	if listings[0].Name != "test listing" {
		t.Errorf("listing name = %q, want %q", listings[0].Name, "test listing")
	}
	if listings[0].ID != id {
		t.Errorf("listing id = %s, want %s", listings[0].ID, id)
	}
}

func TestAddListingDuplicate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	if _, err := r.AddListing(s.ID(), "first"); err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	if _, err := r.AddListing(s.ID(), "second"); err == nil {
		t.Fatal("second AddListing on the same session succeeded")
	}
}

func TestAddListingUnknownSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	if _, err := r.AddListing(uuid.New(), "orphan"); err == nil {
		t.Fatal("AddListing for unknown session succeeded")
	}
}

func TestRemoveListingIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	// No listing yet: still Ok.
	if err := r.RemoveListing(s.ID()); err != nil {
		t.Fatalf("RemoveListing with no listing: %v", err)
	}

	if _, err := r.AddListing(s.ID(), "test listing"); err != nil {
		t.Fatalf("AddListing: %v", err)
	}
	if err := r.RemoveListing(s.ID()); err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}
	if err := r.RemoveListing(s.ID()); err != nil {
		t.Fatalf("second RemoveListing: %v", err)
	}

	if got := len(r.Listings()); got != 0 {
		t.Errorf("Listings len = %d, want 0", got)
	}
}

func TestAddRemoveAddSucceeds(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	if _, err := r.AddListing(s.ID(), "n"); err != nil {
		t.Fatalf("AddListing: %v", err)
	}
	if err := r.RemoveListing(s.ID()); err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}
	if _, err := r.AddListing(s.ID(), "n"); err != nil {
		t.Fatalf("AddListing after remove: %v", err)
	}
}

func TestRemoveSessionRemovesListing(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := addSession(r, 1000, time.Now())

	id, err := r.AddListing(s.ID(), "test listing")
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	r.Remove(s.ID())

	if _, err := r.ResolveListing(id); err == nil {
		t.Error("listing still resolvable after owner removal")
	}
	if got := len(r.Listings()); got != 0 {
		t.Errorf("Listings len = %d, want 0", got)
	}
}

// TestListingCountMatchesSessions checks the two-view invariant: the
// directory size always equals the number of sessions holding a listing.
func TestListingCountMatchesSessions(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	now := time.Now()

	var withListing int
	sessions := make([]*Session, 0, 8)
	for i := range 8 {
		s := addSession(r, uint16(2000+i), now)
		sessions = append(sessions, s)
		if i%2 == 0 {
			if _, err := r.AddListing(s.ID(), "listing"); err != nil {
				t.Fatalf("AddListing: %v", err)
			}
			withListing++
		}
	}

	if got := len(r.Listings()); got != withListing {
		t.Fatalf("Listings len = %d, want %d", got, withListing)
	}

	// Dropping sessions keeps the views in lockstep.
	r.Remove(sessions[0].ID(), sessions[1].ID())
	withListing-- // sessions[0] held a listing, sessions[1] did not.

	if got := len(r.Listings()); got != withListing {
		t.Fatalf("Listings len after removal = %d, want %d", got, withListing)
	}
}

// -------------------------------------------------------------------------
// Timeout sweep
// -------------------------------------------------------------------------

func TestSweepEvictsTimedOut(t *testing.T) {
	t.Parallel()

	const timeout = 60 * time.Second
	r := newTestRegistry(t, WithSessionTimeout(timeout))
	now := time.Now()

	stale := addSession(r, 1000, now.Add(-(timeout + 5*time.Second)))
	fresh := addSession(r, 1001, now.Add(-(timeout - 5*time.Second)))

	if _, err := r.AddListing(stale.ID(), "stale listing"); err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	if evicted := r.Sweep(now); evicted != 1 {
		t.Fatalf("Sweep evicted %d, want 1", evicted)
	}

	if _, err := r.Get(stale.ID()); err == nil {
		t.Error("stale session survived the sweep")
	}
	if _, err := r.Get(fresh.ID()); err != nil {
		t.Errorf("fresh session evicted: %v", err)
	}
	if got := len(r.Listings()); got != 0 {
		t.Errorf("Listings len = %d, want 0", got)
	}
}

func TestSweepKeepsKeptAlive(t *testing.T) {
	t.Parallel()

	const timeout = 60 * time.Second
	r := newTestRegistry(t, WithSessionTimeout(timeout))
	now := time.Now()

	s := addSession(r, 1000, now.Add(-(timeout + 5*time.Second)))
	s.See(now) // keepalive arrived

	if evicted := r.Sweep(now); evicted != 0 {
		t.Fatalf("Sweep evicted %d, want 0", evicted)
	}
}

// -------------------------------------------------------------------------
// Concurrency smoke
// -------------------------------------------------------------------------

// TestConcurrentAccess exercises the registry from many goroutines under the
// race detector.
func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithSessionTimeout(time.Minute))
	now := time.Now()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s := addSession(r, uint16(3000+i), now)
			if _, err := r.AddListing(s.ID(), "concurrent"); err != nil {
				t.Errorf("AddListing: %v", err)
				return
			}
			r.Listings()
			s.See(time.Now())
			r.Sweep(time.Now())
			if err := r.RemoveListing(s.ID()); err != nil {
				t.Errorf("RemoveListing: %v", err)
			}
			r.Remove(s.ID())
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if got := len(r.Listings()); got != 0 {
		t.Errorf("Listings len = %d, want 0", got)
	}
}

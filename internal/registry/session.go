package registry

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

// Queue capacities for the per-session stream channels. Bounded so a stalled
// peer cannot grow them without limit: a full inbound queue makes the stream
// forwarder drop further statuses, and a full outbound queue makes the join
// orchestrator's order dispatch wait until its join timeout.
const (
	// OutboundQueueSize bounds the server-to-client order queue.
	OutboundQueueSize = 8

	// InboundQueueSize bounds the client-to-server status queue.
	InboundQueueSize = 8
)

// Listing is an advertised, joinable directory entry. A session owns at most
// one.
type Listing struct {
	// ID is the server-assigned listing identifier.
	ID uuid.UUID

	// Name is the owner-supplied display name.
	Name string
}

// ListingSnapshot is a read-only directory entry as returned by
// Registry.Listings. All fields are copies.
type ListingSnapshot struct {
	ID    uuid.UUID
	Owner uuid.UUID
	Name  string
}

// Session is the per-client state held by the server while the client's
// bidirectional stream is alive.
//
// Each session carries its own lock so operating on one session never blocks
// operations on another. Lock order: Registry.mu before Session.mu, never
// the reverse.
type Session struct {
	id       uuid.UUID
	endpoint netip.AddrPort

	// outbound carries server orders toward the stream writer.
	outbound chan *punchv1.ServerMessage

	// inbound carries punch statuses from the stream forwarder toward the
	// join orchestrator. Keepalives never reach this queue; they only bump
	// lastSeen.
	inbound chan *punchv1.PunchStatus

	mu       sync.Mutex
	listing  *Listing
	lastSeen time.Time
}

// NewSession creates a session with a fresh UUIDv4 identifier bound to the
// given public endpoint. lastSeen starts at now.
func NewSession(endpoint netip.AddrPort, now time.Time) *Session {
	return &Session{
		id:       uuid.New(),
		endpoint: endpoint,
		outbound: make(chan *punchv1.ServerMessage, OutboundQueueSize),
		inbound:  make(chan *punchv1.PunchStatus, InboundQueueSize),
		lastSeen: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Endpoint returns the public UDP endpoint registered for this session.
func (s *Session) Endpoint() netip.AddrPort { return s.endpoint }

// Outbound returns the server-to-client order queue.
func (s *Session) Outbound() chan *punchv1.ServerMessage { return s.outbound }

// Inbound returns the client-to-server status queue.
func (s *Session) Inbound() chan *punchv1.PunchStatus { return s.inbound }

// See records inbound activity at now. lastSeen never moves backward, so a
// late-delivered timestamp cannot mask newer liveness.
func (s *Session) See(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

// LastSeen returns the timestamp of the most recent inbound activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// IsTimedOut reports whether the session has seen no inbound activity for at
// least timeout as of now.
func (s *Session) IsTimedOut(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) >= timeout
}

// Listing returns a copy of the session's listing, if it has one.
func (s *Session) Listing() (Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listing == nil {
		return Listing{}, false
	}
	return *s.listing, true
}

// DrainStatuses discards any queued punch statuses. The join orchestrator
// calls this before dispatching an order so the status it awaits corresponds
// to that order rather than a stale one.
func (s *Session) DrainStatuses() {
	for {
		select {
		case <-s.inbound:
		default:
			return
		}
	}
}

// setListing installs a listing. Caller must hold no session lock.
func (s *Session) setListing(l Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing = &l
}

// takeListing removes and returns the session's listing, if any.
func (s *Session) takeListing() (Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listing == nil {
		return Listing{}, false
	}
	l := *s.listing
	s.listing = nil
	return l, true
}

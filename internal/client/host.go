package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// Signal names emitted by the Host adapter.
const (
	SignalConnectionChanged   = "connection_changed"
	SignalListingsChanged     = "listings_changed"
	SignalOwnedListingChanged = "owned_listing_changed"
	SignalJoinedAddrsChanged  = "joined_addrs_changed"
	SignalAsyncError          = "async_error"
)

// Signal is one buffered state change delivered to the host on its polling
// tick.
type Signal struct {
	Name  string
	Value any
}

// Host adapts the Client to a polling embedder (a game loop or GUI tick).
//
// Every operation is asynchronous: it returns immediately and runs on its
// own goroutine; outcomes surface as buffered signal cells that emit on
// change when the host calls Poll. Only the latest value of each cell is
// retained between polls.
type Host struct {
	logger *slog.Logger

	mu     sync.Mutex
	client *Client

	connected    signalCell[bool]
	listings     signalCell[[]Listing]
	ownedListing signalCell[string]
	joinedAddrs  signalCell[[]netip.AddrPort]
	asyncError   signalCell[string]

	// joined accumulates every punched endpoint for the session.
	joined []netip.AddrPort
}

// NewHost creates a disconnected Host adapter.
func NewHost(logger *slog.Logger) *Host {
	return &Host{
		logger: logger.With(slog.String("component", "host")),
	}
}

// Connect creates the client and starts a session asynchronously. Connecting
// while already connected is a no-op. The outcome arrives as
// connection_changed(true) or async_error.
func (h *Host) Connect(serverAddr string, bind netip.AddrPort, opts ...Option) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return
	}

	c := New(serverAddr, bind, h.logger, opts...)
	h.client = c
	h.joined = nil

	go func() {
		if err := c.StartSession(context.Background()); err != nil {
			h.fail("connect: " + err.Error())
			h.dropClient(c)
			return
		}

		h.connected.set(true)
		go h.collectJoined(c)
	}()
}

// Disconnect tears the session down asynchronously. Disconnecting while
// disconnected is a no-op.
func (h *Host) Disconnect() {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()

	if c == nil {
		return
	}

	go func() {
		if err := c.EndSession(context.Background()); err != nil {
			h.fail("disconnect: " + err.Error())
		}
		h.connected.set(false)
	}()
}

// CreateListing advertises a listing asynchronously; the new listing id
// arrives via owned_listing_changed.
func (h *Host) CreateListing(name string) {
	c, ok := h.current()
	if !ok {
		return
	}

	go func() {
		id, err := c.CreateListing(context.Background(), name)
		if err != nil {
			h.fail("create listing: " + err.Error())
			return
		}
		h.ownedListing.set(id.String())
	}()
}

// RemoveListing drops the owned listing asynchronously;
// owned_listing_changed delivers the empty id.
func (h *Host) RemoveListing() {
	c, ok := h.current()
	if !ok {
		return
	}

	go func() {
		if err := c.RemoveListing(context.Background()); err != nil {
			h.fail("remove listing: " + err.Error())
			return
		}
		h.ownedListing.set("")
	}()
}

// RefreshListings fetches the directory asynchronously; the snapshot arrives
// via listings_changed.
func (h *Host) RefreshListings() {
	c, ok := h.current()
	if !ok {
		return
	}

	go func() {
		listings, err := c.GetListings(context.Background())
		if err != nil {
			h.fail("get listings: " + err.Error())
			return
		}
		h.listings.set(listings)
	}()
}

// JoinListing joins the listing with the given string id asynchronously. On
// success joined_addrs_changed grows by the peer endpoint.
func (h *Host) JoinListing(listingID string) {
	c, ok := h.current()
	if !ok {
		return
	}

	go func() {
		id, err := parseListingID(listingID)
		if err != nil {
			h.fail("join listing: " + err.Error())
			return
		}
		if err := c.Join(context.Background(), id); err != nil {
			h.fail("join listing: " + err.Error())
		}
	}()
}

// Poll returns the signals whose values changed since the previous poll, in
// a stable order. The host calls this once per tick.
func (h *Host) Poll() []Signal {
	var out []Signal

	if v, ok := h.connected.poll(); ok {
		out = append(out, Signal{Name: SignalConnectionChanged, Value: v})
	}
	if v, ok := h.listings.poll(); ok {
		out = append(out, Signal{Name: SignalListingsChanged, Value: v})
	}
	if v, ok := h.ownedListing.poll(); ok {
		out = append(out, Signal{Name: SignalOwnedListingChanged, Value: v})
	}
	if v, ok := h.joinedAddrs.poll(); ok {
		out = append(out, Signal{Name: SignalJoinedAddrsChanged, Value: v})
	}
	if v, ok := h.asyncError.poll(); ok {
		out = append(out, Signal{Name: SignalAsyncError, Value: v})
	}

	return out
}

// collectJoined accumulates punched peer endpoints until the session dies,
// then reports the connection loss.
func (h *Host) collectJoined(c *Client) {
	joined, err := c.Joined()
	if err != nil {
		return
	}

	var done <-chan struct{}
	c.mu.Lock()
	if c.sess != nil {
		done = c.sess.done
	}
	c.mu.Unlock()
	if done == nil {
		return
	}

	for {
		select {
		case addr := <-joined:
			h.mu.Lock()
			h.joined = append(h.joined, addr)
			snapshot := make([]netip.AddrPort, len(h.joined))
			copy(snapshot, h.joined)
			h.mu.Unlock()
			h.joinedAddrs.set(snapshot)

		case <-done:
			h.connected.set(false)
			h.dropClient(c)
			return
		}
	}
}

// current returns the connected client, reporting an error signal when there
// is none.
func (h *Host) current() (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		h.asyncError.set("not connected")
		return nil, false
	}
	return h.client, true
}

// dropClient forgets c if it is still the current client.
func (h *Host) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == c {
		h.client = nil
	}
}

// parseListingID parses the canonical string form of a listing id.
func parseListingID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse listing id %q: %w", s, err)
	}
	return id, nil
}

// fail buffers an async_error signal.
func (h *Host) fail(msg string) {
	h.logger.Warn("async operation failed", slog.String("error", msg))
	h.asyncError.set(msg)
}

// signalCell buffers the latest value of one signal and whether it changed
// since the last poll.
type signalCell[T any] struct {
	mu    sync.Mutex
	val   T
	dirty bool
}

func (c *signalCell[T]) set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
	c.dirty = true
}

func (c *signalCell[T]) poll() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		var zero T
		return zero, false
	}
	c.dirty = false
	return c.val, true
}

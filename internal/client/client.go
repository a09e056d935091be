// Package client is the rendezvous client library: session lifecycle,
// listing operations, and the UDP hole-punch engine.
//
// A Client is bound to one server endpoint at construction and holds at most
// one live session. Host applications embed it directly or through the
// polling Host adapter in host.go.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"golang.org/x/net/http2"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

// Sentinel errors for the client package.
var (
	// ErrSessionActive indicates StartSession was called while a session is
	// already live.
	ErrSessionActive = errors.New("session already started")

	// ErrNoSession indicates an operation that needs a live session was
	// called without one.
	ErrNoSession = errors.New("no active session")

	// ErrProtocol indicates the server deviated from the stream protocol
	// (wrong or missing first message).
	ErrProtocol = errors.New("protocol error")
)

// Default cadences and bounds, tunable via Options.
const (
	// DefaultTimeout bounds every unary RPC and the punch receive window.
	DefaultTimeout = 10 * time.Second

	// DefaultKeepaliveInterval is the cadence of empty frames on the session
	// stream. Kept under the server's 60 s test-profile session timeout.
	DefaultKeepaliveInterval = 55 * time.Second
)

// joinedBufferSize bounds the joined-endpoint channel handed to the host.
const joinedBufferSize = 8

// Listing is one directory entry as seen by the client.
type Listing struct {
	ID   uuid.UUID
	Name string
}

// Client talks to one rendezvous server. The zero session state is
// disconnected; StartSession opens the bidirectional stream.
type Client struct {
	rpc    punchv1connect.PunchServiceClient
	bind   netip.AddrPort
	logger *slog.Logger

	timeout           time.Duration
	keepaliveInterval time.Duration
	punchInterval     time.Duration

	mu   sync.Mutex
	sess *session
}

// Option configures optional Client parameters.
type Option func(*Client)

// WithTimeout overrides the RPC and punch-receive bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKeepaliveInterval overrides the keepalive cadence.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.keepaliveInterval = d
		}
	}
}

// WithPunchInterval overrides the punch probe cadence.
func WithPunchInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.punchInterval = d
		}
	}
}

// New creates a Client bound to the server at serverAddr (host:port) that
// will punch from the UDP endpoint bind. No session is started.
//
// bind is advertised to the server as this client's public endpoint and is
// the local address of every punch socket, so the peer's NAT sees probes
// from the advertised tuple.
func New(serverAddr string, bind netip.AddrPort, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		bind:              bind,
		logger:            logger.With(slog.String("component", "client")),
		timeout:           DefaultTimeout,
		keepaliveInterval: DefaultKeepaliveInterval,
		punchInterval:     DefaultPunchInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.rpc = punchv1connect.NewPunchServiceClient(newH2CClient(), "http://"+serverAddr)

	return c
}

// newH2CClient builds an HTTP client speaking HTTP/2 over cleartext TCP.
// The bidirectional session stream needs full-duplex HTTP/2; the server side
// is the matching h2c handler.
func newH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// StartSession opens the bidirectional stream, awaits the server's
// session-id assignment, and starts the keepalive and dispatcher tasks.
// Returns ErrSessionActive if a session is already live.
//
// ctx bounds only the setup; the session itself outlives it and runs until
// EndSession or a stream failure.
func (c *Client) StartSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return ErrSessionActive
	}

	sess, err := c.startSession(ctx)
	if err != nil {
		return err
	}
	c.sess = sess

	c.logger.Info("session started",
		slog.String("session_id", sess.id.String()),
		slog.String("bind", c.bind.String()),
	)

	return nil
}

// SessionID returns the server-assigned session identifier, if a session is
// live.
func (c *Client) SessionID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return uuid.UUID{}, false
	}
	return c.sess.id, true
}

// Joined returns the channel over which the public endpoints of newly
// punched peers are delivered, one per successful punch.
func (c *Client) Joined() (<-chan netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNoSession
	}
	return c.sess.joined, nil
}

// CreateListing advertises a listing named name and returns its id.
func (c *Client) CreateListing(ctx context.Context, name string) (uuid.UUID, error) {
	sid, err := c.sessionIDBytes()
	if err != nil {
		return uuid.UUID{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.rpc.AddListing(ctx, connect.NewRequest(&punchv1.AddListingRequest{
		SessionId: sid,
		Name:      name,
	}))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("create listing: %w", err)
	}

	id, err := punchv1.ParseID(resp.Msg.ListingId)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("create listing: %w: %w", ErrProtocol, err)
	}
	return id, nil
}

// RemoveListing drops this session's listing. Idempotent.
func (c *Client) RemoveListing(ctx context.Context) error {
	sid, err := c.sessionIDBytes()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.rpc.RemoveListing(ctx, connect.NewRequest(&punchv1.RemoveListingRequest{
		SessionId: sid,
	})); err != nil {
		return fmt.Errorf("remove listing: %w", err)
	}
	return nil
}

// GetListings returns the current directory snapshot. Entries with malformed
// identifiers are dropped silently.
func (c *Client) GetListings(ctx context.Context) ([]Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.rpc.GetListings(ctx, connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		return nil, fmt.Errorf("get listings: %w", err)
	}

	listings := make([]Listing, 0, len(resp.Msg.Listings))
	for _, l := range resp.Msg.Listings {
		id, err := punchv1.ParseID(l.Id)
		if err != nil {
			c.logger.Warn("dropping listing with malformed id",
				slog.String("name", l.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		listings = append(listings, Listing{ID: id, Name: l.Name})
	}
	return listings, nil
}

// Join asks the server to coordinate a punch with the owner of listingID.
// On success the Joined channel will deliver the peer's endpoint.
func (c *Client) Join(ctx context.Context, listingID uuid.UUID) error {
	sid, err := c.sessionIDBytes()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.rpc.Join(ctx, connect.NewRequest(&punchv1.JoinRequest{
		SessionId:       sid,
		TargetListingId: listingID[:],
	})); err != nil {
		return fmt.Errorf("join listing %s: %w", listingID, err)
	}
	return nil
}

// EndSession tears down the live session: a best-effort EndSession RPC, then
// cancellation of the keepalive and dispatcher tasks. Calling it without a
// session is a no-op.
func (c *Client) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.rpc.EndSession(ctx, connect.NewRequest(&punchv1.EndSessionRequest{
		SessionId: sess.id[:],
	}))
	if err != nil {
		// The server's stream teardown cleans up regardless.
		c.logger.Warn("end session rpc failed",
			slog.String("session_id", sess.id.String()),
			slog.String("error", err.Error()),
		)
	}

	sess.cancel()

	c.logger.Info("session ended", slog.String("session_id", sess.id.String()))
	return nil
}

// sessionIDBytes returns the live session id in wire form.
func (c *Client) sessionIDBytes() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNoSession
	}
	id := c.sess.id
	return id[:], nil
}

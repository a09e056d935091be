package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

// session owns one live bidirectional stream and the two tasks bound to it:
// the keepalive ticker and the inbound dispatcher. Both honor the session's
// cancellation; a cancelled session produces no further side effects.
type session struct {
	id     uuid.UUID
	stream *connect.BidiStreamForClient[punchv1.ClientMessage, punchv1.ServerMessage]
	cancel context.CancelFunc

	// joined delivers the endpoint of each successfully punched peer.
	joined chan netip.AddrPort

	// done is closed when the dispatcher exits, live or cancelled. Hosts use
	// it to observe connection loss.
	done chan struct{}

	// sendMu serializes writes: keepalive and dispatcher both send.
	sendMu sync.Mutex

	logger *slog.Logger
}

// startSession opens the stream, performs the first-message handshake, and
// launches the session tasks. Caller holds c.mu.
func (c *Client) startSession(ctx context.Context) (*session, error) {
	// The stream outlives the setup context; cancellation is the session's
	// own token.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stream := c.rpc.Stream(streamCtx)
	stream.RequestHeader().Set(punchv1.EndpointHeader, c.bind.String())

	sess := &session{
		stream: stream,
		cancel: cancel,
		joined: make(chan netip.AddrPort, joinedBufferSize),
		done:   make(chan struct{}),
		logger: c.logger,
	}

	// The first send flushes the request headers and doubles as the first
	// keepalive.
	if err := sess.send(punchv1.NewKeepalive()); err != nil {
		cancel()
		return nil, fmt.Errorf("open session stream: %w", err)
	}

	id, err := awaitAssignment(ctx, stream, c.timeout)
	if err != nil {
		cancel()
		return nil, err
	}
	sess.id = id

	go sess.keepalive(streamCtx, c.keepaliveInterval)
	go c.dispatch(streamCtx, sess)

	return sess, nil
}

// awaitAssignment reads the first ServerMessage and requires it to be a
// session-id assignment. Any deviation, including a timeout, is a protocol
// error. Cancellation of ctx also ends the wait.
func awaitAssignment(
	ctx context.Context,
	stream *connect.BidiStreamForClient[punchv1.ClientMessage, punchv1.ServerMessage],
	timeout time.Duration,
) (uuid.UUID, error) {
	type result struct {
		msg *punchv1.ServerMessage
		err error
	}

	ch := make(chan result, 1)
	go func() {
		msg, err := stream.Receive()
		ch <- result{msg: msg, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return uuid.UUID{}, fmt.Errorf("await session assignment: %w", r.err)
		}
		if len(r.msg.SessionId) == 0 {
			return uuid.UUID{}, fmt.Errorf("first server message is not a session assignment: %w", ErrProtocol)
		}
		id, err := punchv1.ParseID(r.msg.SessionId)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("session assignment: %w: %w", ErrProtocol, err)
		}
		return id, nil

	case <-timer.C:
		return uuid.UUID{}, fmt.Errorf("await session assignment: timed out: %w", ErrProtocol)

	case <-ctx.Done():
		return uuid.UUID{}, fmt.Errorf("await session assignment: %w", ctx.Err())
	}
}

// send writes one ClientMessage to the stream. Safe for concurrent use.
func (s *session) send(msg *punchv1.ClientMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.Send(msg); err != nil {
		return fmt.Errorf("send client message: %w", err)
	}
	return nil
}

// keepalive sends an empty frame every interval so the server's liveness
// timestamp keeps advancing.
func (s *session) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(punchv1.NewKeepalive()); err != nil {
				// The dispatcher observes the same failure and marks the
				// session dead; the next tick would fail identically.
				s.logger.Warn("keepalive send failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatch reads server messages until the stream ends. Punch orders run the
// punch engine serially, so each PunchStatus the server receives corresponds
// to its most recent order on this stream.
func (c *Client) dispatch(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer c.clearSession(sess)

	for {
		msg, err := sess.stream.Receive()
		if err != nil {
			if ctx.Err() == nil {
				sess.logger.Warn("session stream closed by server",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch {
		case msg.Punch != nil:
			c.handlePunch(ctx, sess, msg.Punch)

		case msg.Proxy != nil:
			// Relay fallback is reserved but unimplemented.
			if err := sess.send(punchv1.NewPunchStatus(false, "proxy unsupported")); err != nil {
				sess.logger.Warn("unable to answer proxy order",
					slog.String("error", err.Error()),
				)
			}

		case len(msg.SessionId) > 0:
			sess.logger.Warn("ignoring repeated session assignment")
		}
	}
}

// handlePunch runs the punch engine toward the ordered endpoint and reports
// the outcome on the stream. A successful punch also delivers the peer
// endpoint on the joined channel, before the status is sent, so observers
// see the endpoint no later than the server sees the status.
func (c *Client) handlePunch(ctx context.Context, sess *session, order *punchv1.Punch) {
	target, err := parseEndpoint(order.Ip, order.Port)
	if err != nil {
		sess.logger.Warn("received bad punch endpoint",
			slog.String("ip", order.Ip),
			slog.Uint64("port", uint64(order.Port)),
			slog.String("error", err.Error()),
		)
		c.reportPunch(sess, false, "bad punch endpoint: "+err.Error())
		return
	}

	if err := Punch(ctx, c.bind, target, c.timeout, c.punchInterval, c.logger); err != nil {
		// Failing to punch is an expected outcome, not a session fault.
		sess.logger.Info("punch failed",
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		c.reportPunch(sess, false, err.Error())
		return
	}

	select {
	case sess.joined <- target:
	default:
		sess.logger.Warn("joined channel full, dropping endpoint",
			slog.String("target", target.String()),
		)
	}

	sess.logger.Info("punch succeeded", slog.String("target", target.String()))
	c.reportPunch(sess, true, "")
}

// reportPunch sends a PunchStatus, logging delivery failures.
func (c *Client) reportPunch(sess *session, success bool, message string) {
	if err := sess.send(punchv1.NewPunchStatus(success, message)); err != nil {
		sess.logger.Warn("unable to send punch status",
			slog.String("error", err.Error()),
		)
	}
}

// clearSession drops sess from the client if it is still current, so a dead
// stream does not masquerade as a live session.
func (c *Client) clearSession(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == sess {
		c.sess = nil
		sess.cancel()
	}
}

// parseEndpoint assembles a netip.AddrPort from wire ip and port fields.
func parseEndpoint(ip string, port uint32) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse ip %q: %w", ip, err)
	}
	p, err := punchv1.NarrowPort(port)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse port: %w", err)
	}
	return netip.AddrPortFrom(addr, p), nil
}

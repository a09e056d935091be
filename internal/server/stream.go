package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gopunch/internal/registry"
	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

// Stream is the long-lived bidirectional session stream.
//
// Setup: resolve the caller's public endpoint, register a fresh session, and
// emit the session-id assignment as the first ServerMessage. A forwarder
// goroutine then routes inbound frames (keepalives bump liveness, punch
// statuses feed the join orchestrator) while this goroutine drains the
// session's outbound queue onto the wire. Teardown runs the registry cleanup
// exactly once, whether the stream ends, errors, or the session was evicted.
func (s *PunchServer) Stream(ctx context.Context, stream *connect.BidiStream[punchv1.ClientMessage, punchv1.ServerMessage]) error {
	endpoint, err := s.clientEndpoint(stream)
	if err != nil {
		return err
	}

	sess := registry.NewSession(endpoint, time.Now())
	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID())

	logger := s.logger.With(
		slog.String("session_id", sess.ID().String()),
		slog.String("endpoint", endpoint.String()),
	)

	// The assignment must precede every other ServerMessage on the stream.
	if err := stream.Send(punchv1.NewSessionAssignment(sess.ID())); err != nil {
		return fmt.Errorf("send session assignment: %w", err)
	}

	logger.InfoContext(ctx, "session stream started")

	recvDone := make(chan error, 1)
	go s.forwardInbound(stream, sess, logger, recvDone)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "session stream cancelled")
			return nil

		case recvErr := <-recvDone:
			if recvErr != nil && !errors.Is(recvErr, io.EOF) && !errors.Is(recvErr, context.Canceled) {
				logger.WarnContext(ctx, "session stream read failed",
					slog.String("error", recvErr.Error()),
				)
				return fmt.Errorf("receive client message: %w", recvErr)
			}
			logger.InfoContext(ctx, "session stream ended")
			return nil

		case msg := <-sess.Outbound():
			if err := stream.Send(msg); err != nil {
				return fmt.Errorf("send order: %w", err)
			}
		}
	}
}

// forwardInbound reads frames off the stream until it fails or ends. Every
// frame counts as liveness regardless of content; punch statuses are
// additionally forwarded onto the session's inbound queue.
func (s *PunchServer) forwardInbound(
	stream *connect.BidiStream[punchv1.ClientMessage, punchv1.ServerMessage],
	sess *registry.Session,
	logger *slog.Logger,
	done chan<- error,
) {
	for {
		msg, err := stream.Receive()
		if err != nil {
			done <- err
			return
		}

		sess.See(time.Now())

		if msg.IsKeepalive() {
			continue
		}

		select {
		case sess.Inbound() <- msg.PunchStatus:
		default:
			// The inbound queue is full because no join has drained it;
			// dropping the status keeps a slow or chatty client from
			// wedging the forwarder.
			logger.Warn("dropping unawaited punch status",
				slog.Bool("success", msg.PunchStatus.Success),
			)
		}
	}
}

// clientEndpoint resolves the public UDP endpoint for a new stream: the
// advertised Punch-Client-Endpoint header when present, otherwise the
// transport-level peer address.
func (s *PunchServer) clientEndpoint(stream *connect.BidiStream[punchv1.ClientMessage, punchv1.ServerMessage]) (netip.AddrPort, error) {
	if adv := stream.RequestHeader().Get(punchv1.EndpointHeader); adv != "" {
		endpoint, err := netip.ParseAddrPort(adv)
		if err != nil {
			return netip.AddrPort{}, connect.NewError(connect.CodeInvalidArgument,
				fmt.Errorf("parse %s header %q: %w", punchv1.EndpointHeader, adv, err))
		}
		return endpoint, nil
	}

	peer := stream.Peer().Addr
	endpoint, err := netip.ParseAddrPort(peer)
	if err != nil {
		return netip.AddrPort{}, connect.NewError(connect.CodeInternal,
			fmt.Errorf("peer address %q: %w", peer, ErrPeerAddrUnavailable))
	}
	return endpoint, nil
}

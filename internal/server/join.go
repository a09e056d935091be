package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gopunch/internal/registry"
	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

// Join coordinates a hole punch between the calling session and the owner of
// the target listing.
//
// Both peers receive a Punch order toward the other's public endpoint, and
// both orders are dispatched concurrently: hole punching only works when the
// two sides transmit at the same time, so neither dispatch waits on the
// other. The join succeeds iff both peers report success within the join
// timeout. Joining neither consumes nor removes the listing, and there are
// no retries; the peers stay live and the caller may join again.
func (s *PunchServer) Join(ctx context.Context, req *connect.Request[punchv1.JoinRequest]) (*connect.Response[punchv1.JoinResponse], error) {
	s.registry.MaybeSweep()

	sessionID, err := parseWireID(req.Msg.SessionId)
	if err != nil {
		return nil, err
	}
	listingID, err := parseWireID(req.Msg.TargetListingId)
	if err != nil {
		return nil, err
	}

	joiner, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, mapRegistryError(err, "join")
	}
	target, err := s.registry.ResolveListing(listingID)
	if err != nil {
		return nil, mapRegistryError(err, "join")
	}

	joinerEndpoint := joiner.Endpoint()
	targetEndpoint := target.Endpoint()

	s.logger.InfoContext(ctx, "Join called",
		slog.String("session_id", sessionID.String()),
		slog.String("listing_id", listingID.String()),
		slog.String("joiner_endpoint", joinerEndpoint.String()),
		slog.String("target_endpoint", targetEndpoint.String()),
	)

	var joinerStatus, targetStatus *punchv1.PunchStatus

	g := new(errgroup.Group)
	g.Go(func() error {
		joinerStatus = s.orderPunch(ctx, joiner, targetEndpoint)
		return nil
	})
	g.Go(func() error {
		targetStatus = s.orderPunch(ctx, target, joinerEndpoint)
		return nil
	})
	_ = g.Wait()

	s.registry.Metrics().PunchResult(joinerStatus.Success && targetStatus.Success)

	if joinerStatus.Success && targetStatus.Success {
		return connect.NewResponse(&punchv1.JoinResponse{}), nil
	}

	// Reserved: this is where the relay fallback would be invoked.
	detail := joinerStatus.Message
	if detail == "" {
		detail = targetStatus.Message
	}
	return nil, connect.NewError(connect.CodeAborted,
		fmt.Errorf("join: %w: %s", ErrPunchFailed, detail))
}

// orderPunch dispatches a Punch order toward target on the session's stream
// and awaits the next PunchStatus. Timeouts and cancellation yield a
// synthetic failure status; orderPunch never returns nil.
func (s *PunchServer) orderPunch(ctx context.Context, sess *registry.Session, target netip.AddrPort) *punchv1.PunchStatus {
	// Statuses left over from a previous order would be misattributed to
	// this one.
	sess.DrainStatuses()

	order := punchv1.NewPunchOrder(target.Addr().String(), uint32(target.Port()))

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()

	s.registry.Metrics().PunchOrdered()

	select {
	case sess.Outbound() <- order:
	case <-timer.C:
		return &punchv1.PunchStatus{Success: false, Message: "timeout"}
	case <-ctx.Done():
		return &punchv1.PunchStatus{Success: false, Message: "cancelled"}
	}

	select {
	case status := <-sess.Inbound():
		return status
	case <-timer.C:
		return &punchv1.PunchStatus{Success: false, Message: "timeout"}
	case <-ctx.Done():
		return &punchv1.PunchStatus{Success: false, Message: "cancelled"}
	}
}

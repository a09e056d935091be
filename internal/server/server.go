// Package server implements the ConnectRPC surface of the rendezvous daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/dantte-lp/gopunch/internal/registry"
	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

// Sentinel errors for the server package.
var (
	// ErrNameTooLong indicates a listing name over the 256-byte limit.
	ErrNameTooLong = errors.New("listing name exceeds 256 bytes")

	// ErrNameNotUTF8 indicates a listing name that is not valid UTF-8.
	ErrNameNotUTF8 = errors.New("listing name is not valid UTF-8")

	// ErrPunchFailed indicates at least one peer of a join did not punch
	// through. Both sessions remain live; the join may be retried.
	ErrPunchFailed = errors.New("punch failed")

	// ErrPeerAddrUnavailable indicates the transport exposed no usable peer
	// address for a new stream.
	ErrPeerAddrUnavailable = errors.New("transport peer address unavailable")
)

// maxListingNameBytes bounds the advertised listing name.
const maxListingNameBytes = 256

// DefaultJoinTimeout bounds each peer's punch status during a join.
const DefaultJoinTimeout = 10 * time.Second

// PunchServer implements punchv1connect.PunchServiceHandler.
//
// Unary RPCs delegate to the session registry; Join and Stream additionally
// drive the per-session order and status queues. The server is a thin
// adapter between the RPC surface and the registry.
type PunchServer struct {
	registry    *registry.Registry
	joinTimeout time.Duration
	logger      *slog.Logger
}

// verify interface compliance at compile time.
var _ punchv1connect.PunchServiceHandler = (*PunchServer)(nil)

// New creates a PunchServer and returns the HTTP handler and mount path.
// joinTimeout bounds each peer's punch status during Join; zero selects
// DefaultJoinTimeout.
func New(reg *registry.Registry, joinTimeout time.Duration, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	srv := &PunchServer{
		registry:    reg,
		joinTimeout: joinTimeout,
		logger:      logger.With(slog.String("component", "server")),
	}
	return punchv1connect.NewPunchServiceHandler(srv, opts...)
}

// AddListing creates a listing owned by the calling session.
func (s *PunchServer) AddListing(ctx context.Context, req *connect.Request[punchv1.AddListingRequest]) (*connect.Response[punchv1.AddListingResponse], error) {
	s.registry.MaybeSweep()

	sessionID, err := parseWireID(req.Msg.SessionId)
	if err != nil {
		return nil, err
	}

	if err := validateListingName(req.Msg.Name); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.logger.InfoContext(ctx, "AddListing called",
		slog.String("session_id", sessionID.String()),
		slog.String("name", req.Msg.Name),
	)

	listingID, err := s.registry.AddListing(sessionID, req.Msg.Name)
	if err != nil {
		return nil, mapRegistryError(err, "add listing")
	}

	return connect.NewResponse(&punchv1.AddListingResponse{
		ListingId: listingID[:],
	}), nil
}

// RemoveListing drops the calling session's listing. Idempotent: a session
// with no listing succeeds.
func (s *PunchServer) RemoveListing(ctx context.Context, req *connect.Request[punchv1.RemoveListingRequest]) (*connect.Response[punchv1.RemoveListingResponse], error) {
	s.registry.MaybeSweep()

	sessionID, err := parseWireID(req.Msg.SessionId)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "RemoveListing called",
		slog.String("session_id", sessionID.String()),
	)

	if err := s.registry.RemoveListing(sessionID); err != nil {
		return nil, mapRegistryError(err, "remove listing")
	}

	return connect.NewResponse(&punchv1.RemoveListingResponse{}), nil
}

// GetListings returns a snapshot of the listing directory. No ordering is
// guaranteed.
func (s *PunchServer) GetListings(ctx context.Context, _ *connect.Request[punchv1.GetListingsRequest]) (*connect.Response[punchv1.GetListingsResponse], error) {
	s.registry.MaybeSweep()

	s.logger.DebugContext(ctx, "GetListings called")

	snapshots := s.registry.Listings()
	listings := make([]*punchv1.Listing, 0, len(snapshots))
	for _, snap := range snapshots {
		listings = append(listings, &punchv1.Listing{
			Id:   snap.ID[:],
			Name: snap.Name,
		})
	}

	return connect.NewResponse(&punchv1.GetListingsResponse{
		Listings: listings,
	}), nil
}

// EndSession removes the calling session immediately. Idempotent.
func (s *PunchServer) EndSession(ctx context.Context, req *connect.Request[punchv1.EndSessionRequest]) (*connect.Response[punchv1.EndSessionResponse], error) {
	s.registry.MaybeSweep()

	sessionID, err := parseWireID(req.Msg.SessionId)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "EndSession called",
		slog.String("session_id", sessionID.String()),
	)

	s.registry.Remove(sessionID)

	return connect.NewResponse(&punchv1.EndSessionResponse{}), nil
}

// -------------------------------------------------------------------------
// Internal helpers
// -------------------------------------------------------------------------

// parseWireID converts a 16-byte wire identifier, surfacing InvalidArgument
// on malformed input.
func parseWireID(b []byte) (uuid.UUID, error) {
	id, err := punchv1.ParseID(b)
	if err != nil {
		return uuid.UUID{}, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("parse identifier: %w", err))
	}
	return id, nil
}

// validateListingName enforces the UTF-8 and 256-byte listing name limits.
func validateListingName(name string) error {
	if len(name) > maxListingNameBytes {
		return fmt.Errorf("%d bytes: %w", len(name), ErrNameTooLong)
	}
	if !utf8.ValidString(name) {
		return ErrNameNotUTF8
	}
	return nil
}

// mapRegistryError translates registry errors into ConnectRPC error codes.
func mapRegistryError(err error, operation string) *connect.Error {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrListingNotFound):
		return connect.NewError(connect.CodeNotFound,
			fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, registry.ErrListingExists):
		return connect.NewError(connect.CodeAlreadyExists,
			fmt.Errorf("%s: %w", operation, err))
	default:
		return connect.NewError(connect.CodeInternal,
			fmt.Errorf("%s: %w", operation, err))
	}
}

// Package punchv1connect provides ConnectRPC glue for punch.v1.PunchService:
// procedure constants, the client constructor, and the handler constructor.
//
// The package is laid out the way protoc-gen-connect-go lays out its output,
// but is maintained by hand because the service rides the punchv1 JSON codec
// rather than generated protobuf messages.
package punchv1connect

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

// PunchServiceName is the fully-qualified service name.
const PunchServiceName = "punch.v1.PunchService"

// Fully-qualified procedure names for each PunchService method.
const (
	// PunchServiceAddListingProcedure is the AddListing RPC path.
	PunchServiceAddListingProcedure = "/punch.v1.PunchService/AddListing"
	// PunchServiceRemoveListingProcedure is the RemoveListing RPC path.
	PunchServiceRemoveListingProcedure = "/punch.v1.PunchService/RemoveListing"
	// PunchServiceGetListingsProcedure is the GetListings RPC path.
	PunchServiceGetListingsProcedure = "/punch.v1.PunchService/GetListings"
	// PunchServiceJoinProcedure is the Join RPC path.
	PunchServiceJoinProcedure = "/punch.v1.PunchService/Join"
	// PunchServiceEndSessionProcedure is the EndSession RPC path.
	PunchServiceEndSessionProcedure = "/punch.v1.PunchService/EndSession"
	// PunchServiceStreamProcedure is the bidirectional Stream RPC path.
	PunchServiceStreamProcedure = "/punch.v1.PunchService/Stream"
)

// PunchServiceClient is the client API for punch.v1.PunchService.
type PunchServiceClient interface {
	AddListing(context.Context, *connect.Request[punchv1.AddListingRequest]) (*connect.Response[punchv1.AddListingResponse], error)
	RemoveListing(context.Context, *connect.Request[punchv1.RemoveListingRequest]) (*connect.Response[punchv1.RemoveListingResponse], error)
	GetListings(context.Context, *connect.Request[punchv1.GetListingsRequest]) (*connect.Response[punchv1.GetListingsResponse], error)
	Join(context.Context, *connect.Request[punchv1.JoinRequest]) (*connect.Response[punchv1.JoinResponse], error)
	EndSession(context.Context, *connect.Request[punchv1.EndSessionRequest]) (*connect.Response[punchv1.EndSessionResponse], error)
	Stream(context.Context) *connect.BidiStreamForClient[punchv1.ClientMessage, punchv1.ServerMessage]
}

// NewPunchServiceClient constructs a client for punch.v1.PunchService. The
// punchv1 JSON codec is installed ahead of any caller-supplied options.
//
// The bidirectional Stream method needs full-duplex HTTP/2; pass an
// http.Client whose transport speaks h2c (or TLS HTTP/2) when streaming.
func NewPunchServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) PunchServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(punchv1.Codec{})}, opts...)
	return &punchServiceClient{
		addListing: connect.NewClient[punchv1.AddListingRequest, punchv1.AddListingResponse](
			httpClient, baseURL+PunchServiceAddListingProcedure, opts...,
		),
		removeListing: connect.NewClient[punchv1.RemoveListingRequest, punchv1.RemoveListingResponse](
			httpClient, baseURL+PunchServiceRemoveListingProcedure, opts...,
		),
		getListings: connect.NewClient[punchv1.GetListingsRequest, punchv1.GetListingsResponse](
			httpClient, baseURL+PunchServiceGetListingsProcedure, opts...,
		),
		join: connect.NewClient[punchv1.JoinRequest, punchv1.JoinResponse](
			httpClient, baseURL+PunchServiceJoinProcedure, opts...,
		),
		endSession: connect.NewClient[punchv1.EndSessionRequest, punchv1.EndSessionResponse](
			httpClient, baseURL+PunchServiceEndSessionProcedure, opts...,
		),
		stream: connect.NewClient[punchv1.ClientMessage, punchv1.ServerMessage](
			httpClient, baseURL+PunchServiceStreamProcedure, opts...,
		),
	}
}

// punchServiceClient implements PunchServiceClient.
type punchServiceClient struct {
	addListing    *connect.Client[punchv1.AddListingRequest, punchv1.AddListingResponse]
	removeListing *connect.Client[punchv1.RemoveListingRequest, punchv1.RemoveListingResponse]
	getListings   *connect.Client[punchv1.GetListingsRequest, punchv1.GetListingsResponse]
	join          *connect.Client[punchv1.JoinRequest, punchv1.JoinResponse]
	endSession    *connect.Client[punchv1.EndSessionRequest, punchv1.EndSessionResponse]
	stream        *connect.Client[punchv1.ClientMessage, punchv1.ServerMessage]
}

func (c *punchServiceClient) AddListing(ctx context.Context, req *connect.Request[punchv1.AddListingRequest]) (*connect.Response[punchv1.AddListingResponse], error) {
	return c.addListing.CallUnary(ctx, req)
}

func (c *punchServiceClient) RemoveListing(ctx context.Context, req *connect.Request[punchv1.RemoveListingRequest]) (*connect.Response[punchv1.RemoveListingResponse], error) {
	return c.removeListing.CallUnary(ctx, req)
}

func (c *punchServiceClient) GetListings(ctx context.Context, req *connect.Request[punchv1.GetListingsRequest]) (*connect.Response[punchv1.GetListingsResponse], error) {
	return c.getListings.CallUnary(ctx, req)
}

func (c *punchServiceClient) Join(ctx context.Context, req *connect.Request[punchv1.JoinRequest]) (*connect.Response[punchv1.JoinResponse], error) {
	return c.join.CallUnary(ctx, req)
}

func (c *punchServiceClient) EndSession(ctx context.Context, req *connect.Request[punchv1.EndSessionRequest]) (*connect.Response[punchv1.EndSessionResponse], error) {
	return c.endSession.CallUnary(ctx, req)
}

func (c *punchServiceClient) Stream(ctx context.Context) *connect.BidiStreamForClient[punchv1.ClientMessage, punchv1.ServerMessage] {
	return c.stream.CallBidiStream(ctx)
}

// PunchServiceHandler is the server API for punch.v1.PunchService.
type PunchServiceHandler interface {
	AddListing(context.Context, *connect.Request[punchv1.AddListingRequest]) (*connect.Response[punchv1.AddListingResponse], error)
	RemoveListing(context.Context, *connect.Request[punchv1.RemoveListingRequest]) (*connect.Response[punchv1.RemoveListingResponse], error)
	GetListings(context.Context, *connect.Request[punchv1.GetListingsRequest]) (*connect.Response[punchv1.GetListingsResponse], error)
	Join(context.Context, *connect.Request[punchv1.JoinRequest]) (*connect.Response[punchv1.JoinResponse], error)
	EndSession(context.Context, *connect.Request[punchv1.EndSessionRequest]) (*connect.Response[punchv1.EndSessionResponse], error)
	Stream(context.Context, *connect.BidiStream[punchv1.ClientMessage, punchv1.ServerMessage]) error
}

// NewPunchServiceHandler builds an HTTP handler for the service and returns
// the path it should be mounted at. The punchv1 JSON codec is installed
// ahead of any caller-supplied options.
func NewPunchServiceHandler(svc PunchServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(punchv1.Codec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(PunchServiceAddListingProcedure, connect.NewUnaryHandler(
		PunchServiceAddListingProcedure, svc.AddListing, opts...,
	))
	mux.Handle(PunchServiceRemoveListingProcedure, connect.NewUnaryHandler(
		PunchServiceRemoveListingProcedure, svc.RemoveListing, opts...,
	))
	mux.Handle(PunchServiceGetListingsProcedure, connect.NewUnaryHandler(
		PunchServiceGetListingsProcedure, svc.GetListings, opts...,
	))
	mux.Handle(PunchServiceJoinProcedure, connect.NewUnaryHandler(
		PunchServiceJoinProcedure, svc.Join, opts...,
	))
	mux.Handle(PunchServiceEndSessionProcedure, connect.NewUnaryHandler(
		PunchServiceEndSessionProcedure, svc.EndSession, opts...,
	))
	mux.Handle(PunchServiceStreamProcedure, connect.NewBidiStreamHandler(
		PunchServiceStreamProcedure, svc.Stream, opts...,
	))

	return "/punch.v1.PunchService/", mux
}

// errUnimplemented backs the UnimplementedPunchServiceHandler stubs.
var errUnimplemented = errors.New("punch.v1.PunchService is not implemented")

// UnimplementedPunchServiceHandler returns CodeUnimplemented from all methods.
type UnimplementedPunchServiceHandler struct{}

func (UnimplementedPunchServiceHandler) AddListing(context.Context, *connect.Request[punchv1.AddListingRequest]) (*connect.Response[punchv1.AddListingResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

func (UnimplementedPunchServiceHandler) RemoveListing(context.Context, *connect.Request[punchv1.RemoveListingRequest]) (*connect.Response[punchv1.RemoveListingResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

func (UnimplementedPunchServiceHandler) GetListings(context.Context, *connect.Request[punchv1.GetListingsRequest]) (*connect.Response[punchv1.GetListingsResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

func (UnimplementedPunchServiceHandler) Join(context.Context, *connect.Request[punchv1.JoinRequest]) (*connect.Response[punchv1.JoinResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

func (UnimplementedPunchServiceHandler) EndSession(context.Context, *connect.Request[punchv1.EndSessionRequest]) (*connect.Response[punchv1.EndSessionResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

func (UnimplementedPunchServiceHandler) Stream(context.Context, *connect.BidiStream[punchv1.ClientMessage, punchv1.ServerMessage]) error {
	return connect.NewError(connect.CodeUnimplemented, errUnimplemented)
}

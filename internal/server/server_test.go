package server_test

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dantte-lp/gopunch/internal/registry"
	"github.com/dantte-lp/gopunch/internal/server"
	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

const (
	// testEndpointA and testEndpointB are documentation-range endpoints
	// (RFC 5737) advertised by the test streams.
	testEndpointA = "192.0.2.1:41000"
	testEndpointB = "192.0.2.2:41001"

	// testJoinTimeout keeps punch-status waits short in tests.
	testJoinTimeout = 500 * time.Millisecond
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// setupTestServer creates a real h2c HTTP server backed by a session
// registry and returns a ConnectRPC client connected to it. The
// bidirectional Stream method needs HTTP/2, hence h2c instead of the stock
// httptest HTTP/1.1 transport.
func setupTestServer(t *testing.T, opts ...registry.Option) punchv1connect.PunchServiceClient {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(logger, opts...)

	path, handler := server.New(reg, testJoinTimeout, logger)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewUnstartedServer(h2c.NewHandler(mux, &http2.Server{}))
	srv.Start()
	t.Cleanup(srv.Close)

	return punchv1connect.NewPunchServiceClient(newH2CTestClient(), srv.URL)
}

// newH2CTestClient builds an HTTP/2-over-cleartext client, mirroring what
// the client library and gopunchctl use against the daemon.
func newH2CTestClient() *http.Client {
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

// testStream is one open session stream plus its assigned id.
type testStream struct {
	stream    *connect.BidiStreamForClient[punchv1.ClientMessage, punchv1.ServerMessage]
	sessionID []byte
}

// openStream starts a session stream advertising the given endpoint and
// returns it with the server-assigned session id.
func openStream(t *testing.T, client punchv1connect.PunchServiceClient, endpoint string) *testStream {
	t.Helper()

	stream := client.Stream(context.Background())
	if endpoint != "" {
		stream.RequestHeader().Set(punchv1.EndpointHeader, endpoint)
	}

	if err := stream.Send(punchv1.NewKeepalive()); err != nil {
		t.Fatalf("send first keepalive: %v", err)
	}

	msg, err := stream.Receive()
	if err != nil {
		t.Fatalf("receive session assignment: %v", err)
	}
	if len(msg.SessionId) != 16 {
		t.Fatalf("session assignment id length = %d, want 16", len(msg.SessionId))
	}
	if msg.Punch != nil || msg.Proxy != nil {
		t.Fatal("first server message carries a non-assignment branch")
	}

	t.Cleanup(func() {
		_ = stream.CloseRequest()
		_ = stream.CloseResponse()
	})

	return &testStream{stream: stream, sessionID: msg.SessionId}
}

// answerPunches replies to every incoming punch order with the given status
// until the stream ends.
func (ts *testStream) answerPunches(success bool, message string) {
	go func() {
		for {
			msg, err := ts.stream.Receive()
			if err != nil {
				return
			}
			if msg.Punch == nil {
				continue
			}
			_ = ts.stream.Send(punchv1.NewPunchStatus(success, message))
		}
	}()
}

// assertCode fails unless err is a connect error with the given code.
func assertCode(t *testing.T, err error, want connect.Code) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if cerr.Code() != want {
		t.Fatalf("error code = %v, want %v (%v)", cerr.Code(), want, err)
	}
}

// -------------------------------------------------------------------------
// Stream setup
// -------------------------------------------------------------------------

func TestStreamAssignsSessionID(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	if _, err := uuid.FromBytes(ts.sessionID); err != nil {
		t.Fatalf("assigned session id is not a UUID: %v", err)
	}
}

func TestStreamWithoutHeaderUsesPeerAddress(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	// No advertised endpoint: the server falls back to the TCP peer
	// address, which on loopback is always parseable.
	ts := openStream(t, client, "")
	if len(ts.sessionID) != 16 {
		t.Fatalf("session id length = %d, want 16", len(ts.sessionID))
	}
}

func TestStreamRejectsMalformedEndpointHeader(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)

	stream := client.Stream(context.Background())
	stream.RequestHeader().Set(punchv1.EndpointHeader, "not-an-endpoint")

	if err := stream.Send(punchv1.NewKeepalive()); err != nil {
		t.Fatalf("send first keepalive: %v", err)
	}

	_, err := stream.Receive()
	assertCode(t, err, connect.CodeInvalidArgument)
}

// -------------------------------------------------------------------------
// Listings
// -------------------------------------------------------------------------

func TestGetListingsEmpty(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	openStream(t, client, testEndpointA)

	resp, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(resp.Msg.Listings) != 0 {
		t.Errorf("listings len = %d, want 0", len(resp.Msg.Listings))
	}
}

func TestAddListingVisibleToOthers(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts1 := openStream(t, client, testEndpointA)
	openStream(t, client, testEndpointB)

	addResp, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts1.sessionID,
			Name:      "test listing",
		}))
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}
	if len(addResp.Msg.ListingId) != 16 {
		t.Fatalf("listing id length = %d, want 16", len(addResp.Msg.ListingId))
	}

	resp, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(resp.Msg.Listings) != 1 {
		t.Fatalf("listings len = %d, want 1", len(resp.Msg.Listings))
	}
	if got := resp.Msg.Listings[0].Name; got != "test listing" {
		t.Errorf("listing name = %q, want %q", got, "test listing")
	}
	if got := resp.Msg.Listings[0].Id; string(got) != string(addResp.Msg.ListingId) {
		t.Error("directory listing id differs from AddListing response")
	}
}

func TestAddListingDuplicate(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	if _, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts.sessionID,
			Name:      "first",
		})); err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	_, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts.sessionID,
			Name:      "second",
		}))
	assertCode(t, err, connect.CodeAlreadyExists)
}

func TestAddListingInvalidArgs(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	tests := []struct {
		name string
		req  *punchv1.AddListingRequest
		want connect.Code
	}{
		{
			name: "short session id",
			req:  &punchv1.AddListingRequest{SessionId: []byte{1, 2, 3}, Name: "x"},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "nil session id",
			req:  &punchv1.AddListingRequest{Name: "x"},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "name too long",
			req: &punchv1.AddListingRequest{
				SessionId: ts.sessionID,
				Name:      strings.Repeat("a", 257),
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "name not utf8",
			req: &punchv1.AddListingRequest{
				SessionId: ts.sessionID,
				Name:      string([]byte{0xff, 0xfe}),
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "unknown session",
			req: &punchv1.AddListingRequest{
				SessionId: newRandomID(),
				Name:      "x",
			},
			want: connect.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.AddListing(context.Background(), connect.NewRequest(tt.req))
			assertCode(t, err, tt.want)
		})
	}
}

func TestRemoveListingIdempotent(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	// Removing with no listing is Ok.
	if _, err := client.RemoveListing(context.Background(),
		connect.NewRequest(&punchv1.RemoveListingRequest{SessionId: ts.sessionID})); err != nil {
		t.Fatalf("RemoveListing with no listing: %v", err)
	}

	if _, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts.sessionID,
			Name:      "test listing",
		})); err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	if _, err := client.RemoveListing(context.Background(),
		connect.NewRequest(&punchv1.RemoveListingRequest{SessionId: ts.sessionID})); err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}

	resp, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(resp.Msg.Listings) != 0 {
		t.Errorf("listings len = %d, want 0", len(resp.Msg.Listings))
	}
}

// -------------------------------------------------------------------------
// EndSession
// -------------------------------------------------------------------------

func TestEndSessionRemovesListing(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	if _, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts.sessionID,
			Name:      "test listing",
		})); err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	if _, err := client.EndSession(context.Background(),
		connect.NewRequest(&punchv1.EndSessionRequest{SessionId: ts.sessionID})); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	resp, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(resp.Msg.Listings) != 0 {
		t.Errorf("listings len = %d after EndSession, want 0", len(resp.Msg.Listings))
	}

	// A second EndSession is a no-op.
	if _, err := client.EndSession(context.Background(),
		connect.NewRequest(&punchv1.EndSessionRequest{SessionId: ts.sessionID})); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
}

// -------------------------------------------------------------------------
// Join
// -------------------------------------------------------------------------

func TestJoinUnknownListing(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts := openStream(t, client, testEndpointA)

	_, err := client.Join(context.Background(),
		connect.NewRequest(&punchv1.JoinRequest{
			SessionId:       ts.sessionID,
			TargetListingId: newRandomID(),
		}))
	assertCode(t, err, connect.CodeNotFound)
}

func TestJoinBothPeersSucceed(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts1 := openStream(t, client, testEndpointA)
	ts2 := openStream(t, client, testEndpointB)

	addResp, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts1.sessionID,
			Name:      "test listing",
		}))
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	ts1.answerPunches(true, "")
	ts2.answerPunches(true, "")

	if _, err := client.Join(context.Background(),
		connect.NewRequest(&punchv1.JoinRequest{
			SessionId:       ts2.sessionID,
			TargetListingId: addResp.Msg.ListingId,
		})); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Joining does not consume the listing.
	resp, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{}))
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(resp.Msg.Listings) != 1 {
		t.Errorf("listings len = %d after join, want 1", len(resp.Msg.Listings))
	}
}

func TestJoinFailsWhenOnePeerFails(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts1 := openStream(t, client, testEndpointA)
	ts2 := openStream(t, client, testEndpointB)

	addResp, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts1.sessionID,
			Name:      "test listing",
		}))
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	ts1.answerPunches(false, "pinhole never opened")
	ts2.answerPunches(true, "")

	_, err = client.Join(context.Background(),
		connect.NewRequest(&punchv1.JoinRequest{
			SessionId:       ts2.sessionID,
			TargetListingId: addResp.Msg.ListingId,
		}))
	assertCode(t, err, connect.CodeAborted)

	// Both sessions stay live and may retry.
	if _, err := client.GetListings(context.Background(),
		connect.NewRequest(&punchv1.GetListingsRequest{})); err != nil {
		t.Fatalf("GetListings after failed join: %v", err)
	}
}

func TestJoinTimesOutOnSilentPeer(t *testing.T) {
	t.Parallel()

	client := setupTestServer(t)
	ts1 := openStream(t, client, testEndpointA)
	ts2 := openStream(t, client, testEndpointB)

	addResp, err := client.AddListing(context.Background(),
		connect.NewRequest(&punchv1.AddListingRequest{
			SessionId: ts1.sessionID,
			Name:      "test listing",
		}))
	if err != nil {
		t.Fatalf("AddListing: %v", err)
	}

	// Neither stream answers its punch order; the orchestrator synthesizes
	// timeout failures after the join timeout.
	_, err = client.Join(context.Background(),
		connect.NewRequest(&punchv1.JoinRequest{
			SessionId:       ts2.sessionID,
			TargetListingId: addResp.Msg.ListingId,
		}))
	assertCode(t, err, connect.CodeAborted)
}

// newRandomID returns a random 16-byte identifier unknown to the server.
func newRandomID() []byte {
	id := uuid.New()
	return id[:]
}

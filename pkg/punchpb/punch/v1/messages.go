// Package punchv1 defines the wire messages for the punch.v1.PunchService
// rendezvous protocol.
//
// Messages travel over ConnectRPC with the JSON codec in codec.go; there is
// no generated protobuf code. Session and listing identifiers cross the wire
// as 16-byte UUID values. Ports are carried as uint32 and narrowed to uint16
// on parse.
package punchv1

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for wire-level validation.
var (
	// ErrInvalidIDLength indicates an identifier field is not exactly 16 bytes.
	ErrInvalidIDLength = errors.New("identifier must be 16 bytes")

	// ErrPortRange indicates a wire port value does not fit in uint16.
	ErrPortRange = errors.New("port exceeds maximum 65535")

	// ErrAmbiguousServerMessage indicates a ServerMessage with more or fewer
	// than one branch set.
	ErrAmbiguousServerMessage = errors.New("server message must carry exactly one branch")
)

// idLength is the wire size of session and listing identifiers.
const idLength = 16

// EndpointHeader is the Stream request header through which a client
// advertises the UDP endpoint it will punch from. When absent the server
// falls back to the transport-level peer address.
const EndpointHeader = "Punch-Client-Endpoint"

// -------------------------------------------------------------------------
// Listing Operations
// -------------------------------------------------------------------------

// AddListingRequest creates a listing owned by the calling session.
type AddListingRequest struct {
	// SessionId is the 16-byte session identifier.
	SessionId []byte `json:"session_id"`
	// Name is the advertised listing name (UTF-8, at most 256 bytes).
	Name string `json:"name"`
}

// AddListingResponse carries the server-assigned listing identifier.
type AddListingResponse struct {
	ListingId []byte `json:"listing_id"`
}

// RemoveListingRequest removes the calling session's listing, if any.
type RemoveListingRequest struct {
	SessionId []byte `json:"session_id"`
}

// RemoveListingResponse is empty; removal is idempotent.
type RemoveListingResponse struct{}

// GetListingsRequest requests a snapshot of all live listings.
type GetListingsRequest struct{}

// Listing is one directory entry: a server-assigned identifier and the
// owner-supplied name.
type Listing struct {
	Id   []byte `json:"id"`
	Name string `json:"name"`
}

// GetListingsResponse carries the directory snapshot. Entry order is
// unspecified.
type GetListingsResponse struct {
	Listings []*Listing `json:"listings"`
}

// -------------------------------------------------------------------------
// Session Operations
// -------------------------------------------------------------------------

// JoinRequest asks the server to coordinate a hole punch between the calling
// session and the owner of the target listing.
type JoinRequest struct {
	SessionId       []byte `json:"session_id"`
	TargetListingId []byte `json:"target_listing_id"`
}

// JoinResponse is empty; a successful response means both peers punched
// through.
type JoinResponse struct{}

// EndSessionRequest ends the calling session immediately. Best-effort on the
// client side; the stream teardown cleans up regardless.
type EndSessionRequest struct {
	SessionId []byte `json:"session_id"`
}

// EndSessionResponse is empty.
type EndSessionResponse struct{}

// -------------------------------------------------------------------------
// Stream Messages
// -------------------------------------------------------------------------

// Punch orders the receiving client to hole-punch toward the given endpoint.
type Punch struct {
	// Ip is the target address in text form: dotted-quad for IPv4, the
	// unbracketed form for IPv6. Bracketed IPv6 is rejected on parse.
	Ip string `json:"ip"`
	// Port is the target UDP port. Values above 65535 are rejected on parse.
	Port uint32 `json:"port"`
}

// ProxyOrder is the reserved relay-fallback branch. No field is defined and
// the server never sends it; clients answer it with a failed PunchStatus.
type ProxyOrder struct{}

// ServerMessage is the server-to-client stream union. Exactly one branch is
// set. The first message on every stream is a session-id assignment.
type ServerMessage struct {
	// SessionId, when set, assigns the stream's session identifier.
	SessionId []byte `json:"session_id,omitempty"`
	// Punch, when set, orders a hole punch.
	Punch *Punch `json:"punch,omitempty"`
	// Proxy is reserved for the relay fallback.
	Proxy *ProxyOrder `json:"proxy,omitempty"`
}

// PunchStatus reports the outcome of one punch order.
type PunchStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientMessage is the client-to-server stream union. A message with no
// branch set is a keepalive; its content is irrelevant for liveness.
type ClientMessage struct {
	PunchStatus *PunchStatus `json:"punch_status,omitempty"`
}

// IsKeepalive reports whether the message is an empty keepalive frame.
func (m *ClientMessage) IsKeepalive() bool {
	return m.PunchStatus == nil
}

// -------------------------------------------------------------------------
// Constructors
// -------------------------------------------------------------------------

// NewSessionAssignment builds the mandatory first ServerMessage of a stream.
func NewSessionAssignment(id uuid.UUID) *ServerMessage {
	return &ServerMessage{SessionId: id[:]}
}

// NewPunchOrder builds a Punch order toward ip:port.
func NewPunchOrder(ip string, port uint32) *ServerMessage {
	return &ServerMessage{Punch: &Punch{Ip: ip, Port: port}}
}

// NewKeepalive builds an empty keepalive frame.
func NewKeepalive() *ClientMessage {
	return &ClientMessage{}
}

// NewPunchStatus builds a ClientMessage carrying a punch outcome.
func NewPunchStatus(success bool, message string) *ClientMessage {
	return &ClientMessage{PunchStatus: &PunchStatus{Success: success, Message: message}}
}

// -------------------------------------------------------------------------
// Validation Helpers
// -------------------------------------------------------------------------

// ParseID converts a 16-byte wire identifier into a UUID.
func ParseID(b []byte) (uuid.UUID, error) {
	if len(b) != idLength {
		return uuid.UUID{}, fmt.Errorf("got %d bytes: %w", len(b), ErrInvalidIDLength)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse identifier: %w", err)
	}
	return id, nil
}

// NarrowPort converts a wire uint32 port to uint16, rejecting out-of-range
// values.
func NarrowPort(p uint32) (uint16, error) {
	if p > 65535 {
		return 0, fmt.Errorf("value %d: %w", p, ErrPortRange)
	}
	return uint16(p), nil
}

// Validate checks the exactly-one-branch invariant of a ServerMessage.
func (m *ServerMessage) Validate() error {
	set := 0
	if len(m.SessionId) > 0 {
		set++
	}
	if m.Punch != nil {
		set++
	}
	if m.Proxy != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%d branches set: %w", set, ErrAmbiguousServerMessage)
	}
	return nil
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"
)

// DefaultPunchInterval is the cadence of outbound punch probes. Quick enough
// to converge within a round-trip or two, slow enough not to flood.
const DefaultPunchInterval = 300 * time.Millisecond

// ErrPunchTimeout indicates no datagram arrived within the punch budget.
var ErrPunchTimeout = errors.New("no datagram received before deadline")

// punchPayload is the probe packet. Receivers ignore payload contents; any
// datagram proves the pinhole.
var punchPayload = []byte("punch")

// Punch attempts a UDP hole punch from bind toward target.
//
// The socket is bound to bind — the endpoint the server has registered for
// this session, so the peer's NAT sees probes from the advertised tuple —
// and connected to target, which both sets the default send destination and
// filters inbound datagrams to the peer.
//
// Probes go out every interval while the receiver waits up to timeout for one
// datagram.
// Each NAT admits inbound datagrams only after it has itself sent outbound
// to the same remote tuple, so both peers keep transmitting until the first
// one arrives. Send errors are non-fatal: a still-closed pinhole may reject
// a probe that the next tick retries.
func Punch(ctx context.Context, bind, target netip.AddrPort, timeout, interval time.Duration, logger *slog.Logger) error {
	network := "udp4"
	if target.Addr().Is6() && !target.Addr().Is4In6() {
		network = "udp6"
	}

	var laddr *net.UDPAddr
	if bind.IsValid() {
		laddr = net.UDPAddrFromAddrPort(bind)
	}

	conn, err := net.DialUDP(network, laddr, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return fmt.Errorf("bind punch socket %s: %w", bind, err)
	}
	defer conn.Close()

	sendCtx, stopSender := context.WithCancel(ctx)
	defer stopSender()
	go punchSender(sendCtx, conn, interval, logger)

	// Cancellation unblocks the pending read.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set punch deadline: %w", err)
	}

	buf := make([]byte, 16)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("punch %s: %w", target, ctx.Err())
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("punch %s: %w", target, ErrPunchTimeout)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			// A probe was rejected before the peer's socket opened; keep
			// waiting for the peer's own probes.
			continue
		}
		return fmt.Errorf("punch %s: %w", target, err)
	}
}

// punchSender transmits probes every interval until cancelled. The first
// probe goes out immediately.
func punchSender(ctx context.Context, conn *net.UDPConn, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(punchPayload); err != nil {
			logger.Debug("punch probe send failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

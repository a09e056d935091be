package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gopunch/internal/client"
)

// Sentinel errors for CLI validation.
var (
	errBindRequired = errors.New("--bind flag is required (ip:port of the local UDP endpoint)")
)

// startTimeout bounds session setup for the streaming commands.
const startTimeout = 10 * time.Second

// announceCmd opens a session, advertises a listing, and stays online
// printing every peer that punches through, until interrupted.
func announceCmd() *cobra.Command {
	var bindAddr string

	cmd := &cobra.Command{
		Use:   "announce <name>",
		Short: "Advertise a listing and wait for peers",
		Long:  "Opens a session, creates a listing with the given name, and prints the endpoint of every peer that joins, until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := startHostClient(ctx, bindAddr)
			if err != nil {
				return err
			}
			defer endSession(c)

			listingID, err := c.CreateListing(ctx, args[0])
			if err != nil {
				return fmt.Errorf("create listing: %w", err)
			}

			fmt.Printf("listing %s advertised as %q\n", listingID, args[0])

			return printJoined(ctx, c)
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", "", "local UDP endpoint to punch from (ip:port)")

	return cmd
}

// joinCmd opens a session, joins the given listing, and prints the punched
// peer endpoint.
func joinCmd() *cobra.Command {
	var bindAddr string

	cmd := &cobra.Command{
		Use:   "join <listing-id>",
		Short: "Join a listing and hole-punch to its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			listingID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse listing id %q: %w", args[0], err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := startHostClient(ctx, bindAddr)
			if err != nil {
				return err
			}
			defer endSession(c)

			joined, err := c.Joined()
			if err != nil {
				return fmt.Errorf("joined channel: %w", err)
			}

			if err := c.Join(ctx, listingID); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			select {
			case addr := <-joined:
				fmt.Printf("punched through to %s\n", addr)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("wait for peer endpoint: %w", ctx.Err())
			}
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", "", "local UDP endpoint to punch from (ip:port)")

	return cmd
}

// startHostClient validates the bind flag and starts a session against the
// configured daemon.
func startHostClient(ctx context.Context, bindAddr string) (*client.Client, error) {
	if bindAddr == "" {
		return nil, errBindRequired
	}
	bind, err := netip.ParseAddrPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("parse --bind %q: %w", bindAddr, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := client.New(serverAddr, bind, logger)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := c.StartSession(startCtx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return c, nil
}

// printJoined prints punched peer endpoints until the context ends.
func printJoined(ctx context.Context, c *client.Client) error {
	joined, err := c.Joined()
	if err != nil {
		return fmt.Errorf("joined channel: %w", err)
	}

	for {
		select {
		case addr := <-joined:
			fmt.Printf("peer joined from %s\n", addr)
		case <-ctx.Done():
			return nil
		}
	}
}

// endSession tears the session down with a short grace period.
func endSession(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.EndSession(ctx)
}

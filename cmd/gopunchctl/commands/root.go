package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/gopunch/internal/version"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

var (
	// client is the ConnectRPC punch service client, initialized in
	// PersistentPreRunE. Unary commands use it directly; the announce and
	// join commands build their own streaming client.
	client punchv1connect.PunchServiceClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string
)

// rootCmd is the top-level cobra command for gopunchctl.
var rootCmd = &cobra.Command{
	Use:     "gopunchctl",
	Short:   "CLI client for the gopunch rendezvous daemon",
	Long:    "gopunchctl communicates with the gopunch daemon via ConnectRPC to browse listings and test hole punching.",
	Version: appversion.Short("gopunchctl"),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = punchv1connect.NewPunchServiceClient(
			http.DefaultClient,
			"http://"+serverAddr,
		)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"gopunch daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(listingsCmd())
	rootCmd.AddCommand(announceCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

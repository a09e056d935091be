package commands

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

func listingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listings",
		Short: "List all advertised listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.GetListings(cmd.Context(),
				connect.NewRequest(&punchv1.GetListingsRequest{}))
			if err != nil {
				return fmt.Errorf("get listings: %w", err)
			}

			out, err := formatListings(resp.Msg.Listings, outputFormat)
			if err != nil {
				return fmt.Errorf("format listings: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

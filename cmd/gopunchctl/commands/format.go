// Package commands implements the gopunchctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	punchv1 "github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatListings renders the listing directory in the requested format.
func formatListings(listings []*punchv1.Listing, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatListingsJSON(listings)
	case formatTable:
		return formatListingsTable(listings)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatter ---

func formatListingsTable(listings []*punchv1.Listing) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LISTING-ID\tNAME")

	for _, l := range listings {
		fmt.Fprintf(w, "%s\t%s\n", listingIDString(l.Id), l.Name)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- JSON formatter ---

// listingJSON is the stable JSON shape for one listing.
type listingJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func formatListingsJSON(listings []*punchv1.Listing) (string, error) {
	out := make([]listingJSON, 0, len(listings))
	for _, l := range listings {
		out = append(out, listingJSON{
			ID:   listingIDString(l.Id),
			Name: l.Name,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal listings: %w", err)
	}

	return string(data) + "\n", nil
}

// listingIDString renders a wire listing id in canonical UUID form.
func listingIDString(id []byte) string {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return valueNA
	}
	return u.String()
}

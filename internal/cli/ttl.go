package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rshade/marketcache/internal/engine/cache"
)

// policyRow is one category of the ttl command output.
type policyRow struct {
	Category          cache.Category `json:"category"`
	TTLSeconds        int            `json:"ttl_seconds"`
	StaleGraceSeconds int            `json:"stale_grace_seconds"`
}

// NewTTLCmd creates the ttl command.
func NewTTLCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "ttl",
		Short: "Show the cache lifetime and stale grace of every category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := configFromContext(cmd.Context()).Policy()
			if err != nil {
				return err
			}
			rows := policyRows(policy)

			switch output {
			case outputJSON:
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case outputTable:
				return renderPolicy(cmd.OutOrStdout(), rows)
			default:
				return fmt.Errorf("--output must be %q or %q, got %q", outputTable, outputJSON, output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func policyRows(p *cache.Policy) []policyRow {
	cats := p.Categories()
	rows := make([]policyRow, 0, len(cats))
	for _, c := range cats {
		ttl, _ := p.TTL(c)
		rows = append(rows, policyRow{
			Category:          c,
			TTLSeconds:        int(ttl.Seconds()),
			StaleGraceSeconds: int(p.StaleGrace(c).Seconds()),
		})
	}
	return rows
}

func renderPolicy(w io.Writer, rows []policyRow) error {
	if _, err := fmt.Fprintf(w, "%-14s %8s %12s\n", "CATEGORY", "TTL", "STALE GRACE"); err != nil {
		return err
	}
	for _, r := range rows {
		grace := "off"
		if r.StaleGraceSeconds > 0 {
			grace = cache.FormatDuration(secondsDuration(r.StaleGraceSeconds))
		}
		if _, err := fmt.Fprintf(w, "%-14s %8s %12s\n",
			r.Category, cache.FormatDuration(secondsDuration(r.TTLSeconds)), grace); err != nil {
			return err
		}
	}
	return nil
}

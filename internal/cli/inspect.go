package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
)

// NewInspectCmd creates the inspect command.
func NewInspectCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "inspect <table> <key>",
		Short: "Print one cached row with its freshness",
		Example: `  marketcache inspect market_price AAPL
  marketcache inspect macro_indicator dgs10 --category macro`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := cache.ParseTable(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withBackend(ctx, func(cfg *config.Config, backend cache.Backend) error {
				policy, err := cfg.Policy()
				if err != nil {
					return err
				}
				if category != "" {
					if _, ttlErr := policy.TTL(cache.Category(category)); ttlErr != nil {
						return ttlErr
					}
				}

				rec, err := backend.Get(ctx, table, args[1])
				if errors.Is(err, cache.ErrNotFound) {
					return fmt.Errorf("no row for %s/%s", table, args[1])
				}
				if err != nil {
					return err
				}
				return renderRecord(cmd.OutOrStdout(), rec, time.Now(), policy.StaleGrace(cache.Category(category)))
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "TTL category whose stale grace applies (default grace otherwise)")
	return cmd
}

func renderRecord(w io.Writer, rec *cache.Record, now time.Time, grace time.Duration) error {
	var payload bytes.Buffer
	if err := json.Indent(&payload, rec.Payload, "  ", "  "); err != nil {
		payload.Reset()
		payload.Write(rec.Payload)
	}

	state := rec.State(now, grace)
	age := cache.FormatDuration(now.Sub(rec.FetchedAt))
	expiry := "expires in " + cache.FormatDuration(rec.ExpiresAt.Sub(now))
	if !now.Before(rec.ExpiresAt) {
		expiry = "expired " + cache.FormatDuration(now.Sub(rec.ExpiresAt)) + " ago"
	}

	_, err := fmt.Fprintf(w, "table:      %s\nkey:        %s\nkind:       %s\nstate:      %s\nfetched_at: %s (%s ago)\nexpires_at: %s (%s)\npayload:\n  %s\n",
		rec.Table, rec.Key, rec.Kind, state,
		rec.FetchedAt.Format(time.RFC3339), age,
		rec.ExpiresAt.Format(time.RFC3339), expiry,
		payload.String())
	return err
}

func secondsDuration(s int) time.Duration { return time.Duration(s) * time.Second }

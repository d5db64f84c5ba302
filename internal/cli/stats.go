package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
)

// Output formats shared by the read-only commands.
const (
	outputTable = "table"
	outputJSON  = "json"
)

// boxBorderColor returns the lipgloss.Color used for box borders.
func boxBorderColor() lipgloss.Color { return lipgloss.Color("240") }

// boxTitleColor returns the Lip Gloss color used for box titles.
func boxTitleColor() lipgloss.Color { return lipgloss.Color("39") }

// colorWarning highlights expired rows and rate-limited calls.
func colorWarning() lipgloss.Color { return lipgloss.Color("214") }

// isWriterTerminal reports whether w is a terminal.
func isWriterTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isTerminal(f)
	}
	return false
}

// NewStatsCmd creates the stats command.
func NewStatsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per table and upstream outcomes for the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != outputTable && output != outputJSON {
				return fmt.Errorf("--output must be %q or %q, got %q", outputTable, outputJSON, output)
			}
			ctx := cmd.Context()
			return withBackend(ctx, func(_ *config.Config, backend cache.Backend) error {
				st, err := cache.CollectStats(ctx, backend, time.Now())
				if err != nil {
					logger.Warn().Ctx(ctx).Err(err).Msg("stats are incomplete")
				}
				if output == outputJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				return RenderStats(cmd.OutOrStdout(), st)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

// RenderStats writes st as a styled box on terminals and as plain text elsewhere.
func RenderStats(w io.Writer, st cache.Stats) error {
	body := statsBody(st, isWriterTerminal(w))
	if !isWriterTerminal(w) {
		_, err := fmt.Fprint(w, body)
		return err
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(boxTitleColor())
	borderStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(boxBorderColor()).
		Padding(0, 1)

	box := borderStyle.Render(titleStyle.Render("MARKET CACHE") + "\n\n" + strings.TrimRight(body, "\n"))
	_, err := fmt.Fprintln(w, box)
	return err
}

func statsBody(st cache.Stats, styled bool) string {
	p := message.NewPrinter(language.English)
	warn := func(s string) string { return s }
	if styled {
		style := lipgloss.NewStyle().Foreground(colorWarning())
		warn = func(s string) string { return style.Render(s) }
	}

	var b strings.Builder
	_, _ = p.Fprintf(&b, "%-20s %10s %10s\n", "TABLE", "ROWS", "EXPIRED")
	var total, expired int64
	for _, t := range cache.Tables() {
		ts := st.Tables[t]
		total += ts.Total
		expired += ts.Expired
		exp := p.Sprintf("%10d", ts.Expired)
		if ts.Expired > 0 {
			exp = warn(exp)
		}
		_, _ = p.Fprintf(&b, "%-20s %10d %s\n", t, ts.Total, exp)
	}
	_, _ = p.Fprintf(&b, "%-20s %10d %10d\n", "total", total, expired)

	b.WriteString("\n")
	if len(st.APIs) == 0 {
		b.WriteString("No upstream calls in the last 24 hours.\n")
		return b.String()
	}
	_, _ = p.Fprintf(&b, "%-20s %10s %10s %12s\n", "API", "SUCCESS", "ERROR", "RATE LIMITED")
	for _, api := range slices.Sorted(maps.Keys(st.APIs)) {
		c := st.APIs[api]
		limited := p.Sprintf("%12d", c.RateLimited)
		if c.RateLimited > 0 {
			limited = warn(limited)
		}
		_, _ = p.Fprintf(&b, "%-20s %10d %10d %s\n", api, c.Success, c.Error, limited)
	}
	return b.String()
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UsageStatsWindow is the trailing window of CollectStats' per-API counts.
const UsageStatsWindow = 24 * time.Hour

// Stats is the operational summary of a backend.
type Stats struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Tables      map[Table]TableStats     `json:"tables"`
	APIs        map[string]OutcomeCounts `json:"apis"`
}

// CollectStats reports, per table, total and expired rows and, per API,
// outcome counts for the last 24 hours. A failing table or usage query is
// reported in the returned error while the remaining sections are still filled.
func CollectStats(ctx context.Context, backend Backend, now time.Time) (Stats, error) {
	st := Stats{
		GeneratedAt: now,
		Tables:      make(map[Table]TableStats, len(Tables())),
		APIs:        map[string]OutcomeCounts{},
	}

	var errs []error
	for _, t := range Tables() {
		ts, err := backend.TableStats(ctx, t, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", t, err))
			continue
		}
		st.Tables[t] = ts
	}

	apis, err := backend.SummarizeUsage(ctx, now.Add(-UsageStatsWindow))
	if err != nil {
		errs = append(errs, fmt.Errorf("usage log: %w", err))
	} else {
		st.APIs = apis
	}

	return st, errors.Join(errs...)
}

// Package billing reads accumulated spend for the cost governor.
//
// The export layout mirrors what a scheduled billing export job writes
// into the bucket: one or more JSON-lines objects per month under
//
//	billing/{YYYY-MM}/...
//
// with one line per cost row:
//
//	{"labels":{"budget":"lora"},"cost":1.37,"currency":"USD","usage_start_time":"2026-10-03T10:00:00Z"}
package billing

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/terrpan/gpurun/internal/objectstore"
)

// Source reports spend attributed to the budget tag since periodStart.
type Source interface {
	SpendToDate(ctx context.Context, periodStart, now time.Time) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, periodStart, now time.Time) (float64, error)

func (f SourceFunc) SpendToDate(ctx context.Context, periodStart, now time.Time) (float64, error) {
	return f(ctx, periodStart, now)
}

// Row is one line of the export.
type Row struct {
	Labels         map[string]string `json:"labels"`
	Cost           float64           `json:"cost"`
	Currency       string            `json:"currency"`
	UsageStartTime time.Time         `json:"usage_start_time"`
}

// ExportConfig configures an Export source.
type ExportConfig struct {
	Store objectstore.Store

	// Prefix is the export root.  Default: "billing/".
	Prefix string

	// TagKey and TagValue select the rows that count against the
	// budget (e.g. budget=lora).  An empty TagKey counts every row.
	TagKey   string
	TagValue string

	Logger *slog.Logger
}

// Export sums cost rows from billing export objects in the store.
type Export struct {
	cfg ExportConfig
}

var _ Source = (*Export)(nil)

// NewExport creates an Export.
func NewExport(cfg ExportConfig) *Export {
	if cfg.Prefix == "" {
		cfg.Prefix = "billing/"
	}
	return &Export{cfg: cfg}
}

// MonthPrefix returns the key prefix holding rows for the month of t.
func (e *Export) MonthPrefix(t time.Time) string {
	return e.cfg.Prefix + t.UTC().Format("2006-01") + "/"
}

func (e *Export) SpendToDate(ctx context.Context, periodStart, now time.Time) (float64, error) {
	objects, err := e.cfg.Store.List(ctx, e.MonthPrefix(periodStart))
	if err != nil {
		return 0, fmt.Errorf("list billing export: %w", err)
	}

	var total float64
	for _, obj := range objects {
		sum, err := e.sumObject(ctx, obj.Key, periodStart, now)
		if err != nil {
			return 0, err
		}
		total += sum
	}
	return total, nil
}

func (e *Export) sumObject(ctx context.Context, key string, periodStart, now time.Time) (float64, error) {
	rc, err := e.cfg.Store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get billing object %s: %w", key, err)
	}
	defer rc.Close()

	var sum float64
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			if e.cfg.Logger != nil {
				e.cfg.Logger.Warn("skipping malformed billing row",
					slog.String("key", key),
					slog.Int("line", line),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if !e.counts(row, periodStart, now) {
			continue
		}
		sum += row.Cost
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read billing object %s: %w", key, err)
	}
	return sum, nil
}

func (e *Export) counts(row Row, periodStart, now time.Time) bool {
	if e.cfg.TagKey != "" && row.Labels[e.cfg.TagKey] != e.cfg.TagValue {
		return false
	}
	if !row.UsageStartTime.IsZero() {
		if row.UsageStartTime.Before(periodStart) || row.UsageStartTime.After(now) {
			return false
		}
	}
	return true
}

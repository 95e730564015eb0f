// Package governor watches tagged spend against a monthly budget and
// sends one notification per threshold per month.
//
// It is stateless between invocations.  Which thresholds already fired
// is kept as marker objects in the store:
//
//	governor/{YYYY-MM}/{pct}
//
// A threshold is notified first and marked second, so a crash between
// the two repeats the notification on the next run rather than losing
// it.  The governor never stops or deletes anything.
package governor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpurun/internal/billing"
	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/objectstore"
)

// DefaultThresholds are the budget fractions that trigger a notification.
var DefaultThresholds = []float64{0.8, 1.0}

// Window is the spend state of the current budget period.
type Window struct {
	PeriodStart time.Time
	Limit       float64
	SpentToDate float64
}

// Fraction is the share of the limit already spent.
func (w Window) Fraction() float64 {
	if w.Limit <= 0 {
		return 0
	}
	return w.SpentToDate / w.Limit
}

// PeriodStart returns the first instant of t's month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Config configures a Governor.
type Config struct {
	Source   billing.Source
	Store    objectstore.Store
	Notifier notify.Notifier

	// Limit is the monthly budget in Currency.
	Limit    float64
	Currency string

	// Thresholds are fractions of Limit.  Default: DefaultThresholds.
	Thresholds []float64

	// Prefix holds the threshold markers.  Default: "governor/".
	Prefix string

	// Tag names the budget in notifications (e.g. "budget=lora").
	Tag string

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Report is the outcome of one Check.
type Report struct {
	Window Window
	// Reached lists every threshold at or below the current spend.
	Reached []float64
	// Notified lists the thresholds notified by this invocation.
	Notified []float64
}

// Governor checks spend against the budget.
type Governor struct {
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer        trace.Tracer
	notifications metric.Int64Counter
	spend         metric.Float64Gauge
}

// New validates cfg and creates a Governor.
func New(cfg Config) (*Governor, error) {
	if cfg.Source == nil {
		return nil, errors.New("governor: spend source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("governor: store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("governor: notifier is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("governor: limit must be positive, got %v", cfg.Limit)
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	for _, th := range cfg.Thresholds {
		if th <= 0 {
			return nil, fmt.Errorf("governor: threshold must be positive, got %v", th)
		}
	}
	cfg.Thresholds = append([]float64(nil), cfg.Thresholds...)
	sort.Float64s(cfg.Thresholds)
	if cfg.Prefix == "" {
		cfg.Prefix = "governor/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g := &Governor{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("gpurun/governor"),
	}

	meter := otel.Meter("gpurun/governor")
	var err error
	g.notifications, err = meter.Int64Counter(
		"gpurun.governor.notifications",
		metric.WithDescription("Total number of budget threshold notifications sent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create notifications counter", slog.String("error", err.Error()))
	}
	g.spend, err = meter.Float64Gauge(
		"gpurun.governor.spend",
		metric.WithDescription("Spend to date in the current budget period"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create spend gauge", slog.String("error", err.Error()))
	}
	return g, nil
}

// MarkerKey is the store key recording that threshold fired in the
// period starting at periodStart.
func (g *Governor) MarkerKey(periodStart time.Time, threshold float64) string {
	return g.cfg.Prefix + periodStart.UTC().Format("2006-01") + "/" + strconv.Itoa(percent(threshold))
}

type marker struct {
	Threshold   float64   `json:"threshold"`
	SpentToDate float64   `json:"spent_to_date"`
	Limit       float64   `json:"limit"`
	NotifiedAt  time.Time `json:"notified_at"`
}

// Check reads spend to date and notifies every threshold that is
// reached and not yet marked for this period.
func (g *Governor) Check(ctx context.Context) (Report, error) {
	ctx, span := g.tracer.Start(ctx, "governor.Check")
	defer span.End()

	now := g.cfg.Now()
	start := PeriodStart(now)
	spent, err := g.cfg.Source.SpendToDate(ctx, start, now)
	if err != nil {
		return Report{}, fmt.Errorf("read spend to date: %w", err)
	}

	rep := Report{Window: Window{PeriodStart: start, Limit: g.cfg.Limit, SpentToDate: spent}}
	span.SetAttributes(
		attribute.Float64("spend", spent),
		attribute.Float64("limit", g.cfg.Limit),
	)
	if g.spend != nil {
		g.spend.Record(ctx, spent, metric.WithAttributes(attribute.String("tag", g.cfg.Tag)))
	}
	g.logger.Info("spend to date",
		slog.String("period", start.Format("2006-01")),
		slog.Float64("spent", spent),
		slog.Float64("limit", g.cfg.Limit),
	)

	for _, th := range g.cfg.Thresholds {
		if !reached(spent, g.cfg.Limit, th) {
			break
		}
		rep.Reached = append(rep.Reached, th)

		key := g.MarkerKey(start, th)
		done, err := g.cfg.Store.Exists(ctx, key)
		if err != nil {
			return rep, fmt.Errorf("check threshold marker %s: %w", key, err)
		}
		if done {
			continue
		}

		if err := g.cfg.Notifier.Notify(ctx, g.notification(rep.Window, th, now)); err != nil {
			return rep, fmt.Errorf("notify %d%% threshold: %w", percent(th), err)
		}
		rep.Notified = append(rep.Notified, th)
		if g.notifications != nil {
			g.notifications.Add(ctx, 1, metric.WithAttributes(attribute.Int("threshold_pct", percent(th))))
		}

		if err := g.mark(ctx, key, marker{
			Threshold:   th,
			SpentToDate: spent,
			Limit:       g.cfg.Limit,
			NotifiedAt:  now.UTC(),
		}); err != nil {
			return rep, err
		}
		g.logger.Warn("budget threshold reached",
			slog.Int("threshold_pct", percent(th)),
			slog.Float64("spent", spent),
		)
	}
	return rep, nil
}

func (g *Governor) mark(ctx context.Context, key string, m marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode threshold marker: %w", err)
	}
	if err := g.cfg.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("write threshold marker %s: %w", key, err)
	}
	return nil
}

func (g *Governor) notification(w Window, threshold float64, now time.Time) notify.Notification {
	pct := percent(threshold)
	subject := fmt.Sprintf("GPU spend reached %d%% of the monthly budget", pct)
	if g.cfg.Tag != "" {
		subject = fmt.Sprintf("GPU spend for %s reached %d%% of the monthly budget", g.cfg.Tag, pct)
	}
	return notify.Notification{
		Kind:    notify.KindBudgetThreshold,
		Subject: subject,
		Message: fmt.Sprintf("%.2f of %.2f %s spent since %s.",
			w.SpentToDate, w.Limit, g.cfg.Currency, w.PeriodStart.Format("2006-01-02")),
		Fields: map[string]string{
			"period":        w.PeriodStart.Format("2006-01"),
			"threshold_pct": strconv.Itoa(pct),
			"spent":         strconv.FormatFloat(w.SpentToDate, 'f', 2, 64),
			"limit":         strconv.FormatFloat(w.Limit, 'f', 2, 64),
			"currency":      g.cfg.Currency,
		},
		Time: now.UTC(),
	}
}

// reached reports spent >= threshold*limit, compared in cents so that
// 5.60 of 7.00 counts as 80%.
func reached(spent, limit, threshold float64) bool {
	return cents(spent) >= cents(threshold*limit)
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func percent(threshold float64) int {
	return int(math.Round(threshold * 100))
}

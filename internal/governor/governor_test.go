package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gpurun/internal/billing"
	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/notify/notifytest"
	"github.com/terrpan/gpurun/internal/objectstore/objectstoretest"
)

// spendSource is a mutable billing.Source.
type spendSource struct {
	mu     sync.Mutex
	spent  float64
	err    error
	starts []time.Time
}

func (s *spendSource) set(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spent = v
}

func (s *spendSource) SpendToDate(_ context.Context, periodStart, _ time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, periodStart)
	return s.spent, s.err
}

type GovernorSuite struct {
	suite.Suite
	ctx      context.Context
	source   *spendSource
	store    *objectstoretest.Memory
	recorder *notifytest.Recorder
	now      time.Time
	gov      *Governor
}

func (s *GovernorSuite) SetupTest() {
	s.ctx = context.Background()
	s.source = &spendSource{}
	s.store = objectstoretest.NewMemory()
	s.recorder = &notifytest.Recorder{}
	s.now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	gov, err := New(Config{
		Source:   s.source,
		Store:    s.store,
		Notifier: s.recorder,
		Limit:    500,
		Tag:      "budget=lora",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return s.now },
	})
	require.NoError(s.T(), err)
	s.gov = gov
}

func TestGovernorSuite(t *testing.T) {
	suite.Run(t, new(GovernorSuite))
}

func (s *GovernorSuite) check() Report {
	rep, err := s.gov.Check(s.ctx)
	require.NoError(s.T(), err)
	return rep
}

func (s *GovernorSuite) TestCheck_CrossingBothThresholdsNotifiesTwice() {
	steps := []float64{120, 399.99, 400, 420, 480, 500, 610, 700}
	for i, spent := range steps {
		s.source.set(spent)
		s.now = s.now.Add(time.Hour)
		s.check()
		if i == 1 {
			assert.Empty(s.T(), s.recorder.Sent(), "below 80%% nothing is sent")
		}
	}

	sent := s.recorder.Sent()
	require.Len(s.T(), sent, 2)
	assert.Equal(s.T(), notify.KindBudgetThreshold, sent[0].Kind)
	assert.Equal(s.T(), "80", sent[0].Fields["threshold_pct"])
	assert.Equal(s.T(), "400.00", sent[0].Fields["spent"])
	assert.Equal(s.T(), "100", sent[1].Fields["threshold_pct"])
	assert.Equal(s.T(), "500.00", sent[1].Fields["spent"])
	assert.Contains(s.T(), sent[1].Subject, "budget=lora")

	assert.Equal(s.T(), []string{"governor/2026-10/100", "governor/2026-10/80"}, s.store.Keys())
}

func (s *GovernorSuite) TestCheck_BothThresholdsInOneInvocation() {
	s.source.set(650)

	rep := s.check()
	assert.Equal(s.T(), []float64{0.8, 1.0}, rep.Reached)
	assert.Equal(s.T(), []float64{0.8, 1.0}, rep.Notified)
	assert.InDelta(s.T(), 1.3, rep.Window.Fraction(), 1e-9)
	assert.Len(s.T(), s.recorder.Sent(), 2)

	rep = s.check()
	assert.Equal(s.T(), []float64{0.8, 1.0}, rep.Reached)
	assert.Empty(s.T(), rep.Notified)
	assert.Len(s.T(), s.recorder.Sent(), 2)
}

func (s *GovernorSuite) TestCheck_ExactThresholdOnUnevenLimits() {
	for _, limit := range []float64{3, 6, 7, 12, 14} {
		s.Run(strconv.FormatFloat(limit, 'f', -1, 64), func() {
			store := objectstoretest.NewMemory()
			recorder := &notifytest.Recorder{}
			gov, err := New(Config{
				Source:   s.source,
				Store:    store,
				Notifier: recorder,
				Limit:    limit,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
				Now:      func() time.Time { return s.now },
			})
			require.NoError(s.T(), err)

			s.source.set(limit*0.8 - 0.01)
			rep, err := gov.Check(s.ctx)
			require.NoError(s.T(), err)
			assert.Empty(s.T(), rep.Reached, "one cent short of 80%")

			// 5.6 for a limit of 7, while 0.8*7 is 5.6000000000000005.
			s.source.set(math.Round(limit*80) / 100)
			rep, err = gov.Check(s.ctx)
			require.NoError(s.T(), err)
			assert.Equal(s.T(), []float64{0.8}, rep.Reached)
			assert.Len(s.T(), recorder.Sent(), 1)

			s.source.set(limit)
			rep, err = gov.Check(s.ctx)
			require.NoError(s.T(), err)
			assert.Equal(s.T(), []float64{0.8, 1.0}, rep.Reached)
			assert.Len(s.T(), recorder.Sent(), 2)
		})
	}
}

func (s *GovernorSuite) TestCheck_SpendSummedFromRows() {
	gov, err := New(Config{
		Source:   s.source,
		Store:    s.store,
		Notifier: s.recorder,
		Limit:    7,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return s.now },
	})
	require.NoError(s.T(), err)

	// 56 rows of 0.10 accumulate to 5.599999999999996.
	var spent float64
	for range 56 {
		spent += 0.1
	}
	require.NotEqual(s.T(), 5.6, spent)
	s.source.set(spent)

	rep, err := gov.Check(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []float64{0.8}, rep.Notified)
}

func TestReached(t *testing.T) {
	assert.True(t, reached(5.6, 7, 0.8))
	assert.True(t, reached(7, 7, 1.0))
	assert.False(t, reached(5.59, 7, 0.8))
	assert.False(t, reached(0, 7, 0.8))
	assert.True(t, reached(1.8, 3, 0.6))
}

func (s *GovernorSuite) TestCheck_WindowIsCalendarMonth() {
	s.source.set(10)
	s.now = time.Date(2026, 10, 31, 23, 59, 0, 0, time.FixedZone("UTC-1", -3600))

	rep := s.check()
	want := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(s.T(), want, rep.Window.PeriodStart)
	assert.Equal(s.T(), []time.Time{want}, s.source.starts)
}

func (s *GovernorSuite) TestCheck_NewMonthStartsOver() {
	s.source.set(450)
	s.check()
	require.Len(s.T(), s.recorder.Sent(), 1)

	s.now = time.Date(2026, 11, 2, 8, 0, 0, 0, time.UTC)
	s.check()

	sent := s.recorder.Sent()
	require.Len(s.T(), sent, 2)
	assert.Equal(s.T(), "2026-11", sent[1].Fields["period"])
	assert.Contains(s.T(), s.store.Keys(), "governor/2026-11/80")
}

func (s *GovernorSuite) TestCheck_NotifyFailureLeavesThresholdUnmarked() {
	s.source.set(420)
	s.recorder.SetErr(errors.New("webhook down"))

	_, err := s.gov.Check(s.ctx)
	require.Error(s.T(), err)
	assert.Empty(s.T(), s.store.Keys())

	s.recorder.SetErr(nil)
	rep := s.check()
	assert.Equal(s.T(), []float64{0.8}, rep.Notified)
	assert.Len(s.T(), s.recorder.Sent(), 1)
}

func (s *GovernorSuite) TestCheck_MarkFailureRepeatsNotification() {
	s.source.set(420)
	s.store.PutErr = func(string) error { return errors.New("bucket unavailable") }

	_, err := s.gov.Check(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "write threshold marker governor/2026-10/80")

	s.store.PutErr = nil
	s.check()
	s.check()

	// At-least-once: the lost marker costs one duplicate, no more.
	assert.Len(s.T(), s.recorder.Sent(), 2)
}

func (s *GovernorSuite) TestCheck_SourceError() {
	s.source.err = errors.New("export missing")

	_, err := s.gov.Check(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "read spend to date")
	assert.Empty(s.T(), s.recorder.Sent())
}

func (s *GovernorSuite) TestCheck_ReadsExportThroughBillingSource() {
	s.store.Set("billing/2026-10/part-0.jsonl", []byte(
		`{"labels":{"budget":"lora"},"cost":300,"currency":"USD","usage_start_time":"2026-10-03T10:00:00Z"}`+"\n"+
			`{"labels":{"budget":"lora"},"cost":150,"currency":"USD","usage_start_time":"2026-10-10T10:00:00Z"}`+"\n"+
			`{"labels":{"budget":"other"},"cost":900,"currency":"USD","usage_start_time":"2026-10-10T10:00:00Z"}`+"\n",
	))
	gov, err := New(Config{
		Source: billing.NewExport(billing.ExportConfig{
			Store:    s.store,
			TagKey:   "budget",
			TagValue: "lora",
		}),
		Store:    s.store,
		Notifier: s.recorder,
		Limit:    500,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return s.now },
	})
	require.NoError(s.T(), err)

	rep, err := gov.Check(s.ctx)
	require.NoError(s.T(), err)
	assert.InDelta(s.T(), 450, rep.Window.SpentToDate, 1e-9)
	assert.Equal(s.T(), []float64{0.8}, rep.Notified)
}

func (s *GovernorSuite) TestMarkerKey() {
	start := PeriodStart(s.now)
	assert.Equal(s.T(), "governor/2026-10/80", s.gov.MarkerKey(start, 0.8))
	assert.Equal(s.T(), "governor/2026-10/100", s.gov.MarkerKey(start, 1.0))
}

func TestNew_Validation(t *testing.T) {
	src := billing.SourceFunc(func(context.Context, time.Time, time.Time) (float64, error) { return 0, nil })
	store := objectstoretest.NewMemory()
	rec := &notifytest.Recorder{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing source", Config{Store: store, Notifier: rec, Limit: 1}},
		{"missing store", Config{Source: src, Notifier: rec, Limit: 1}},
		{"missing notifier", Config{Source: src, Store: store, Limit: 1}},
		{"zero limit", Config{Source: src, Store: store, Notifier: rec}},
		{"negative threshold", Config{Source: src, Store: store, Notifier: rec, Limit: 1, Thresholds: []float64{-0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestNew_SortsThresholds(t *testing.T) {
	src := billing.SourceFunc(func(context.Context, time.Time, time.Time) (float64, error) { return 0, nil })
	g, err := New(Config{
		Source:     src,
		Store:      objectstoretest.NewMemory(),
		Notifier:   &notifytest.Recorder{},
		Limit:      100,
		Thresholds: []float64{1.0, 0.5, 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.9, 1.0}, g.cfg.Thresholds)
	assert.Equal(t, "governor/", g.cfg.Prefix)
	assert.Equal(t, "USD", g.cfg.Currency)
}

func TestPeriodStart(t *testing.T) {
	got := PeriodStart(time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/gpurun/internal/objectstore/objectstoretest"
)

var (
	periodStart = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	now         = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
)

func newExport(store *objectstoretest.Memory) *Export {
	return NewExport(ExportConfig{
		Store:    store,
		TagKey:   "budget",
		TagValue: "lora",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestSpendToDate_SumsTaggedRows(t *testing.T) {
	store := objectstoretest.NewMemory()
	store.Set("billing/2026-10/part-0.jsonl", []byte(
		`{"labels":{"budget":"lora"},"cost":10.5,"usage_start_time":"2026-10-02T00:00:00Z"}
{"labels":{"budget":"other"},"cost":99}
{"labels":{"budget":"lora"},"cost":4.5}

not json
`))
	store.Set("billing/2026-10/part-1.jsonl", []byte(
		`{"labels":{"budget":"lora"},"cost":5,"usage_start_time":"2026-10-18T00:00:00Z"}
`))
	// Previous month is ignored.
	store.Set("billing/2026-09/part-0.jsonl", []byte(`{"labels":{"budget":"lora"},"cost":1000}`))

	got, err := newExport(store).SpendToDate(context.Background(), periodStart, now)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got, 1e-9)
}

func TestSpendToDate_FiltersUsageOutsideWindow(t *testing.T) {
	store := objectstoretest.NewMemory()
	store.Set("billing/2026-10/late.jsonl", []byte(
		`{"labels":{"budget":"lora"},"cost":7,"usage_start_time":"2026-09-30T23:00:00Z"}
{"labels":{"budget":"lora"},"cost":8,"usage_start_time":"2026-10-20T00:00:00Z"}
{"labels":{"budget":"lora"},"cost":1,"usage_start_time":"2026-10-19T11:00:00Z"}
`))

	got, err := newExport(store).SpendToDate(context.Background(), periodStart, now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestSpendToDate_NoExportYet(t *testing.T) {
	got, err := newExport(objectstoretest.NewMemory()).SpendToDate(context.Background(), periodStart, now)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestSpendToDate_ListError(t *testing.T) {
	store := objectstoretest.NewMemory()
	store.ListErr = errors.New("bucket gone")
	_, err := newExport(store).SpendToDate(context.Background(), periodStart, now)
	assert.ErrorContains(t, err, "bucket gone")
}

func TestSpendToDate_UntaggedCountsAll(t *testing.T) {
	store := objectstoretest.NewMemory()
	store.Set("billing/2026-10/a.jsonl", []byte(`{"labels":{"budget":"x"},"cost":2}
{"cost":3}
`))
	e := NewExport(ExportConfig{Store: store})
	got, err := e.SpendToDate(context.Background(), periodStart, now)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got, 1e-9)
}

func TestMonthPrefix(t *testing.T) {
	e := NewExport(ExportConfig{Prefix: "exports/"})
	assert.Equal(t, "exports/2026-11/", e.MonthPrefix(time.Date(2026, 10, 31, 23, 0, 0, 0, time.FixedZone("X", -3600))))
}

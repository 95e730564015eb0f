// Package ledger stores the durable record of each run in object
// storage.  There is no database: the key layout under runs/ is the
// ledger, and the presence of a SUCCESS or FAILURE object is the
// canonical "this run is done" signal.
//
//	runs/{run_id}/run.json            STARTED record
//	runs/{run_id}/output/...          artifacts of a successful run
//	runs/{run_id}/output-failed/...   partial artifacts of a failed run
//	runs/{run_id}/SUCCESS             terminal marker
//	runs/{run_id}/FAILURE             terminal marker
//
// The executor is the only writer.  Once a terminal marker exists no
// further writes for that run are made.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/terrpan/gpurun/internal/objectstore"
)

const (
	runsDir          = "runs/"
	recordName       = "run.json"
	successMarker    = "SUCCESS"
	failureMarker    = "FAILURE"
	outputDir        = "output/"
	failedOutputDir  = "output-failed/"
	recordContentTyp = "application/json"
)

var (
	// ErrAlreadyTerminal is returned by Finish when a terminal marker
	// already exists for the run.
	ErrAlreadyTerminal = errors.New("run already has a terminal marker")

	// ErrNotFound is returned by Get for an unknown run.
	ErrNotFound = errors.New("run not found")
)

// Config configures a Ledger.
type Config struct {
	Store objectstore.Store

	// Prefix is prepended to every key (e.g. "team-a/").  Optional.
	Prefix string

	// MaxTries bounds attempts for each durable write.  Default: 5.
	MaxTries uint

	// RetryInterval is the initial backoff between attempts.
	// Default: 500ms.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Ledger reads and writes run records.
type Ledger struct {
	store         objectstore.Store
	prefix        string
	maxTries      uint
	retryInterval time.Duration
	logger        *slog.Logger
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	return &Ledger{
		store:         cfg.Store,
		prefix:        cfg.Prefix,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
	}
}

// ---------------------------------------------------------------------------
// Key layout
// ---------------------------------------------------------------------------

// RunPrefix returns the key prefix owned by runID.
func (l *Ledger) RunPrefix(runID string) string {
	return l.prefix + runsDir + runID + "/"
}

// RecordKey is the key of the STARTED record.
func (l *Ledger) RecordKey(runID string) string {
	return l.RunPrefix(runID) + recordName
}

// MarkerKey is the key of the terminal marker for state.
func (l *Ledger) MarkerKey(runID string, state State) string {
	name := failureMarker
	if state == StateSucceeded {
		name = successMarker
	}
	return l.RunPrefix(runID) + name
}

// ArtifactPrefix is where artifacts of runID are uploaded.
func (l *Ledger) ArtifactPrefix(runID string, failed bool) string {
	if failed {
		return l.RunPrefix(runID) + failedOutputDir
	}
	return l.RunPrefix(runID) + outputDir
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Start records run in the STARTED state.
func (l *Ledger) Start(ctx context.Context, run Run) error {
	if run.State != StateStarted {
		return fmt.Errorf("%w: Start requires state %s, got %s", ErrInvalidRun, StateStarted, run.State)
	}
	data, err := Encode(run)
	if err != nil {
		return err
	}
	key := l.RecordKey(run.RunID)
	if err := l.put(ctx, key, data); err != nil {
		return fmt.Errorf("record start of %s: %w", run.RunID, err)
	}
	l.logger.Info("run started", slog.String("runID", run.RunID), slog.String("key", key))
	return nil
}

// Finish writes the terminal marker for run.  Callers must upload the
// run's artifacts before calling Finish; the marker is the signal that
// they are complete.
func (l *Ledger) Finish(ctx context.Context, run Run) error {
	if run.State != StateSucceeded && run.State != StateFailed {
		return fmt.Errorf("%w: Finish requires SUCCEEDED or FAILED, got %s", ErrInvalidRun, run.State)
	}
	data, err := Encode(run)
	if err != nil {
		return err
	}

	for _, state := range []State{StateSucceeded, StateFailed} {
		exists, err := l.store.Exists(ctx, l.MarkerKey(run.RunID, state))
		if err != nil {
			return fmt.Errorf("check terminal marker of %s: %w", run.RunID, err)
		}
		if exists {
			return fmt.Errorf("finish %s: %w", run.RunID, ErrAlreadyTerminal)
		}
	}

	key := l.MarkerKey(run.RunID, run.State)
	if err := l.put(ctx, key, data); err != nil {
		return fmt.Errorf("write terminal marker of %s: %w", run.RunID, err)
	}
	l.logger.Info("run finished",
		slog.String("runID", run.RunID),
		slog.String("state", string(run.State)),
		slog.Int("exitCode", *run.ExitCode),
		slog.String("key", key),
	)
	return nil
}

// UploadArtifacts copies every regular file below dir into the run's
// artifact prefix and returns the keys written.  A missing dir yields
// no artifacts.  On error the keys uploaded so far are returned along
// with the error.
func (l *Ledger) UploadArtifacts(ctx context.Context, runID, dir string, failed bool) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("artifact directory does not exist", slog.String("dir", dir))
		return nil, nil
	}

	prefix := l.ArtifactPrefix(runID, failed)
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := prefix + path.Clean(filepath.ToSlash(rel))
		if err := l.uploadFile(ctx, key, p); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return keys, fmt.Errorf("upload artifacts of %s: %w", runID, err)
	}

	l.logger.Info("artifacts uploaded",
		slog.String("runID", runID),
		slog.String("prefix", prefix),
		slog.Int("count", len(keys)),
	)
	return keys, nil
}

func (l *Ledger) uploadFile(ctx context.Context, key, file string) error {
	return l.retry(ctx, func() error {
		f, err := os.Open(file)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}
		return l.store.Put(ctx, key, f, info.Size(), "")
	})
}

func (l *Ledger) put(ctx context.Context, key string, data []byte) error {
	return l.retry(ctx, func() error {
		return l.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), recordContentTyp)
	})
}

func (l *Ledger) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("object store write failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	)
	return err
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns the most authoritative record of runID: its terminal
// marker if one exists, otherwise the STARTED record.
func (l *Ledger) Get(ctx context.Context, runID string) (Run, error) {
	for _, key := range []string{
		l.MarkerKey(runID, StateSucceeded),
		l.MarkerKey(runID, StateFailed),
		l.RecordKey(runID),
	} {
		run, err := l.read(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		return run, err
	}
	return Run{}, fmt.Errorf("get %s: %w", runID, ErrNotFound)
}

// Terminal reports whether runID has a terminal marker.
func (l *Ledger) Terminal(ctx context.Context, runID string) (bool, error) {
	for _, state := range []State{StateSucceeded, StateFailed} {
		ok, err := l.store.Exists(ctx, l.MarkerKey(runID, state))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// List returns every run in the ledger, newest first.  Records that
// fail to decode are logged and skipped.
func (l *Ledger) List(ctx context.Context) ([]Run, error) {
	objects, err := l.store.List(ctx, l.prefix+runsDir)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	// run id -> best key seen so far (marker beats record)
	best := make(map[string]string)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, l.prefix+runsDir)
		runID, name, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		switch name {
		case successMarker, failureMarker:
			best[runID] = obj.Key
		case recordName:
			if _, seen := best[runID]; !seen {
				best[runID] = obj.Key
			}
		}
	}

	runs := make([]Run, 0, len(best))
	for runID, key := range best {
		run, err := l.read(ctx, key)
		if err != nil {
			l.logger.Warn("skipping unreadable run record",
				slog.String("runID", runID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs, nil
}

func (l *Ledger) read(ctx context.Context, key string) (Run, error) {
	rc, err := l.store.Get(ctx, key)
	if err != nil {
		return Run{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Run{}, fmt.Errorf("read %s: %w", key, err)
	}
	run, err := Decode(data)
	if err != nil {
		return Run{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if want, ok := markerState(key); ok && run.State != want {
		return Run{}, fmt.Errorf("%w: %s holds state %s", ErrInvalidRun, key, run.State)
	}
	return run, nil
}

func markerState(key string) (State, bool) {
	switch path.Base(key) {
	case successMarker:
		return StateSucceeded, true
	case failureMarker:
		return StateFailed, true
	}
	return "", false
}

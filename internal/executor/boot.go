package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// LockChecker reports whether a lock file is currently held by another
// process.  A missing file is not held.
type LockChecker interface {
	Held(path string) (bool, error)
}

// CommandFunc runs a command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var errNoAccelerator = errors.New("no accelerator detected")

// waitForLock polls until path is free or timeout elapses.  Contention
// is transient and never fatal: on timeout it warns and returns false
// so boot proceeds.
func (e *Executor) waitForLock(ctx context.Context) bool {
	if e.cfg.LockPath == "" {
		return true
	}
	deadline := e.now().Add(e.cfg.LockTimeout)
	logged := false
	for {
		held, err := e.cfg.LockChecker.Held(e.cfg.LockPath)
		if err != nil {
			e.logger.Warn("could not check boot lock, proceeding",
				slog.String("path", e.cfg.LockPath),
				slog.String("error", err.Error()),
			)
			return false
		}
		if !held {
			if logged {
				e.logger.Info("boot lock released", slog.String("path", e.cfg.LockPath))
			}
			return true
		}
		if !e.now().Before(deadline) {
			e.logger.Warn("boot lock still held after timeout, proceeding anyway",
				slog.String("path", e.cfg.LockPath),
				slog.Duration("timeout", e.cfg.LockTimeout),
			)
			return false
		}
		if !logged {
			e.logger.Info("waiting for boot lock", slog.String("path", e.cfg.LockPath))
			logged = true
		}
		if err := e.sleep(ctx, e.cfg.LockPollInterval); err != nil {
			return false
		}
	}
}

// runSetup executes each setup command through the shell.  The first
// failure is fatal to the boot.
func (e *Executor) runSetup(ctx context.Context) error {
	for i, cmd := range e.cfg.SetupCommands {
		start := e.now()
		out, err := e.command(ctx, "/bin/sh", "-c", cmd)
		if err != nil {
			return fmt.Errorf("setup command %d (%q): %w: %s", i, cmd, err, tail(out, 512))
		}
		e.logger.Info("setup command finished",
			slog.Int("index", i),
			slog.Duration("duration", e.now().Sub(start)),
		)
	}
	return nil
}

// detectAccelerator counts the GPUs listed by nvidia-smi.
func (e *Executor) detectAccelerator(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	out, err := e.command(ctx, "nvidia-smi", "-L")
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w: %s", err, tail(out, 512))
	}
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), "GPU ") {
			n++
		}
	}
	if n == 0 {
		return 0, errNoAccelerator
	}
	return n, nil
}

// boot runs every boot phase step in order.  Only the lock wait is
// allowed to fail without aborting.
func (e *Executor) boot(ctx context.Context, image string) error {
	e.setPhase(PhaseBooting)

	e.waitForLock(ctx)

	if err := e.runSetup(ctx); err != nil {
		return err
	}

	if e.cfg.RequireGPU {
		n, err := e.detectAccelerator(ctx)
		if err != nil {
			return fmt.Errorf("accelerator check: %w", err)
		}
		e.logger.Info("accelerators detected", slog.Int("count", n))
	}

	if err := e.cfg.Runner.Pull(ctx, image); err != nil {
		return fmt.Errorf("pull job image: %w", err)
	}
	return nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

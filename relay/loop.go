package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is the file loop state.
type State int32

const (
	Idle State = iota
	Processing
)

func (s State) String() string {
	if s == Processing {
		return "processing"
	}
	return "idle"
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	PollInterval  time.Duration // fallback tick; default 100ms
	Watch         bool          // use filesystem notifications in addition to the tick
	FallbackInput string        // used when the request payload is empty
}

// Loop serves the file channel: it waits for the request marker, claims it
// and writes the reply (or the error text) to the response artifact.
type Loop struct {
	engine   *Engine
	paths    Paths
	opts     LoopOptions
	state    atomic.Int32
	readFile func(string) ([]byte, error)
}

// NewLoop creates a file loop that serves requests through engine.
func NewLoop(engine *Engine, paths Paths, opts LoopOptions) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Loop{
		engine:   engine,
		paths:    paths,
		opts:     opts,
		readFile: os.ReadFile,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// PollOnce checks for the request marker once and serves it if present.
// It reports whether a request was served. A non-nil error means the
// response artifact could not be written or ctx was cancelled mid-cycle.
func (l *Loop) PollOnce(ctx context.Context) (bool, error) {
	claimed, err := l.paths.claim()
	if err != nil {
		slog.Warn("claim request failed", "path", l.paths.Input, "error", err)
		return false, nil
	}
	if !claimed {
		return false, nil
	}

	l.state.Store(int32(Processing))
	defer l.state.Store(int32(Idle))

	out, err := l.serve(ctx)
	if err != nil {
		return true, err
	}

	if err := l.paths.writeOutput(out); err != nil {
		return true, fmt.Errorf("write %s: %w", l.paths.Output, err)
	}
	if err := l.paths.release(); err != nil {
		slog.Warn("remove claimed request failed", "path", l.paths.Claimed(), "error", err)
	}
	return true, nil
}

func (l *Loop) serve(ctx context.Context) (string, error) {
	text, err := readPayload(l.readFile, l.paths.Claimed())
	if err != nil {
		slog.Warn("read request failed", "error", err)
		return errorText(err), nil
	}
	if text == "" && l.opts.FallbackInput != "" {
		text = l.opts.FallbackInput
	}

	reply, err := l.engine.reply(ctx, FileSession, text, true)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return errorText(err), nil
	}
	return reply, nil
}

// Run serves requests until ctx is done. It returns nil on cancellation and
// an error only when the response artifact cannot be written.
func (l *Loop) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if l.opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("file watcher unavailable, polling only", "error", err)
		} else {
			defer w.Close()
			dir := filepath.Dir(l.paths.Input)
			if err := w.Add(dir); err != nil {
				slog.Warn("watch relay dir failed, polling only", "dir", dir, "error", err)
			} else {
				events, watchErrs = w.Events, w.Errors
			}
		}
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("relay loop started", "input", l.paths.Input, "watch", events != nil, "interval", l.opts.PollInterval)
	if err := l.drain(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.paths.Input) {
				continue
			}
			slog.Debug("request marker event", "op", ev.Op.String())
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Warn("file watcher error", "error", err)
			continue
		}
		if err := l.drain(ctx); err != nil {
			return err
		}
	}
}

// drain serves requests until no marker is pending.
func (l *Loop) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		served, err := l.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !served {
			return nil
		}
	}
}

func errorText(err error) string {
	return "Error: " + err.Error()
}

// Command stemmgpt-relayd is the stemmgpt relay daemon.
// It watches the relay directory for a request file, generates the next
// assistant turn and writes it back, and optionally serves the same
// conversation engine on a Unix domain socket.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/generate"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/memory"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/recall"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/relay"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type options struct {
	configPath string
	dir        string
	noSocket   bool
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	configPath := flag.String("config", "", "config file (default: $STEMMGPT_CONFIG_DIR/config.toml)")
	dir := flag.String("dir", "", "relay directory (overrides relay.dir)")
	noSocket := flag.Bool("no-socket", false, "disable the Unix socket channel")
	flag.Parse()

	if *showVersion {
		fmt.Println("stemmgpt-relayd", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{configPath: *configPath, dir: *dir, noSocket: *noSocket}); err != nil {
		slog.Error("relay stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	started := time.Now()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	for _, w := range stemmgpt.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	dir := opts.dir
	if dir == "" {
		dir = stemmgpt.ResolveRelayDir(cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create relay dir: %w", err)
	}
	paths := relay.NewPaths(dir, cfg.Relay)

	// Stale files from a previous run.
	if err := paths.Cleanup(); err != nil {
		slog.Warn("startup cleanup failed", "error", err)
	}
	defer func() {
		if err := paths.Cleanup(); err != nil {
			slog.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	collab, err := generate.New(cfg)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	defer collab.Close()

	mem := memory.New(cfg.Memory.Path)
	if created, err := mem.Seed(cfg.Memory.Seed); err != nil {
		slog.Warn("memory seed failed", "path", mem.Path(), "error", err)
	} else if created {
		slog.Info("memory seeded", "path", mem.Path())
	}

	db, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if _, err := store.LogEvent(db, "", store.EventRelayStarted, map[string]any{
			"pid":     os.Getpid(),
			"version": Version,
			"dir":     dir,
		}); err != nil {
			slog.Warn("journal event failed", "error", err)
		}
	}

	idx := openRecall(cfg)
	if idx != nil && cfg.Recall.CachePath != "" {
		defer func() {
			if err := idx.SaveCache(cfg.Recall.CachePath); err != nil {
				slog.Warn("recall cache save failed", "error", err)
			}
		}()
	}

	memoryMode := cfg.Memory.Mode
	if memoryMode != stemmgpt.MemoryModeFold {
		memoryMode = stemmgpt.MemoryModePreamble
	}
	engine := relay.NewEngine(relay.Options{
		Collaborator:  collab,
		Sampling:      cfg.Sampling(),
		SystemPrompt:  cfg.SystemPrompt(),
		Memory:        mem,
		MemoryMode:    memoryMode,
		PersistMemory: stemmgpt.MemoryPersistEnabled(cfg),
		BusyPolicy:    cfg.Relay.BusyPolicy,
		SessionTTL:    cfg.SessionTTL(),
		DB:            db,
		Recall:        idx,
		RecallTopK:    cfg.Recall.TopK,
	})
	defer engine.Close()

	if stemmgpt.ResumeEnabled(cfg) {
		n, err := engine.Resume()
		if err != nil {
			slog.Warn("resume failed", "error", err)
		} else {
			slog.Info("conversation resumed", "messages", n)
		}
	}

	loop := relay.NewLoop(engine, paths, relay.LoopOptions{
		PollInterval:  cfg.PollInterval(),
		Watch:         stemmgpt.WatchEnabled(cfg),
		FallbackInput: cfg.Relay.FallbackInput,
	})

	if stemmgpt.SocketEnabled(cfg) && !opts.noSocket {
		socketPath := stemmgpt.ResolveSocketPath(cfg)
		srv, err := NewServer(socketPath, engine, func() string { return loop.State().String() })
		if err != nil {
			return fmt.Errorf("start socket server: %w", err)
		}
		defer srv.Close()
		go func() {
			if err := srv.Serve(); err != nil {
				slog.Error("socket server error", "error", err)
			}
		}()
		slog.Info("socket listening", "socket", socketPath)
	}

	if err := paths.MarkReady(started); err != nil {
		return err
	}
	slog.Info("ready", "dir", dir, "model", stemmgpt.ResolveModel(cfg), "api_type", cfg.Generation.APIType)

	if err := loop.Run(ctx); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

func loadConfig(path string) (*stemmgpt.Config, error) {
	if path == "" {
		cfg, err := stemmgpt.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := stemmgpt.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openJournal(cfg *stemmgpt.Config) (*sql.DB, error) {
	if cfg.Store.Path == "" {
		return nil, nil
	}
	db, err := store.OpenDB(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return db, nil
}

func openRecall(cfg *stemmgpt.Config) *recall.Index {
	if !stemmgpt.RecallEnabled(cfg) {
		return nil
	}
	embedder := recall.NewEmbedder(
		stemmgpt.ResolveEmbeddingBaseURL(cfg),
		stemmgpt.ResolveEmbeddingAPIKey(cfg),
		stemmgpt.ResolveEmbeddingModel(cfg),
	)
	idx := recall.NewIndex(embedder)
	if cfg.Recall.CachePath != "" {
		if err := idx.LoadCache(cfg.Recall.CachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("recall cache load failed", "error", err)
		}
	}
	slog.Info("recall enabled", "model", embedder.Model(), "entries", idx.Len())
	return idx
}

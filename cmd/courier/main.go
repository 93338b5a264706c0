package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier-bot/courier/internal/backend"
	"github.com/courier-bot/courier/internal/channel/telegram"
	"github.com/courier-bot/courier/internal/daemon"
	"github.com/courier-bot/courier/pkg/memory"
	"github.com/courier-bot/courier/pkg/store"
	_ "modernc.org/sqlite"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	dataDir := flag.String("db", "", "Path to data directory (overrides config)")
	once := flag.Bool("once", false, "Process one batch of pending messages and exit")
	dryRun := flag.Bool("dry-run", false, "Validate and assemble but never invoke the backend")
	testPrompt := flag.String("test", "", "Send one prompt through the backend and print the reply")
	check := flag.Bool("check", false, "Health-check dependencies and exit")
	setCommands := flag.Bool("set-commands", false, "Register bot commands with the transport and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("courier %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Logger
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("COURIER_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	invoker := &backend.Invoker{
		Binary:  cfg.Backend.Binary,
		Timeout: daemon.Duration(cfg.Backend.Timeout, 10*time.Minute),
	}

	// Single-shot test mode bypasses the transport and store entirely.
	if *testPrompt != "" {
		res, err := invoker.Invoke(ctx, *testPrompt, nil)
		if err != nil {
			slog.Error("backend invocation failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(res.Text)
		return
	}

	client := telegram.New(cfg.Telegram.Token, cfg.Telegram.APIBase)

	if *check {
		os.Exit(runCheck(ctx, cfg, client, invoker))
	}

	if *setCommands {
		if err := client.SetCommands(ctx); err != nil {
			slog.Error("set commands failed", "error", err)
			os.Exit(1)
		}
		slog.Info("bot commands registered")
		return
	}

	// Open message store
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	stats := st.Stats()
	slog.Info("courier starting",
		"version", version,
		"store", st.Path(),
		"messages", stats.TotalMessages,
		"conversations", stats.Conversations,
	)

	// Semantic memory (optional)
	var bridge daemon.Memory
	if cfg.Memory.Enabled && cfg.Memory.PostgresURL != "" && cfg.Memory.EmbedURL != "" {
		b, err := openMemory(ctx, cfg)
		if err != nil {
			slog.Warn("semantic memory unavailable, continuing without it", "error", err)
		} else {
			defer b.Close()
			bridge = b
		}
	} else if cfg.Memory.Enabled {
		slog.Warn("semantic memory enabled but missing config",
			"has_pg_url", cfg.Memory.PostgresURL != "",
			"has_embed_url", cfg.Memory.EmbedURL != "",
		)
	}

	d := daemon.New(cfg, st, client, invoker, bridge)
	d.SetDryRun(*dryRun)

	if *once {
		err = d.RunOnce(ctx)
	} else {
		err = d.Run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}

	slog.Info("courier stopped")
}

// openMemory connects the fact store, embedder, and extractor.
func openMemory(ctx context.Context, cfg *daemon.Config) (*memory.Bridge, error) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := memory.NewStore(initCtx, cfg.Memory.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := st.Init(initCtx); err != nil {
		st.Close()
		return nil, err
	}

	var extractor *memory.Extractor
	if cfg.Memory.AnthropicAPIKey != "" {
		extractor = memory.NewExtractor(cfg.Memory.AnthropicAPIKey, cfg.Memory.ExtractModel)
	} else {
		slog.Info("no extraction API key, memory capture will store raw text")
	}

	return memory.NewBridge(st, memory.NewEmbedClient(cfg.Memory.EmbedURL), extractor), nil
}

// runCheck verifies each dependency and reports per-component status.
// Exit code 0 means everything required for live operation is healthy.
func runCheck(ctx context.Context, cfg *daemon.Config, client *telegram.Client, invoker *backend.Invoker) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	failed := 0

	if path, err := invoker.Check(ctx); err != nil {
		fmt.Printf("backend:   FAIL (%v)\n", err)
		failed++
	} else {
		fmt.Printf("backend:   ok (%s)\n", path)
	}

	if cfg.Telegram.Token == "" {
		fmt.Println("telegram:  FAIL (no token configured)")
		failed++
	} else if me, err := client.Me(ctx); err != nil {
		fmt.Printf("telegram:  FAIL (%v)\n", err)
		failed++
	} else {
		fmt.Printf("telegram:  ok (@%s)\n", me)
	}

	if st, err := store.Open(cfg.DataDir); err != nil {
		fmt.Printf("store:     FAIL (%v)\n", err)
		failed++
	} else {
		fmt.Printf("store:     ok (%s)\n", st.Path())
		st.Close()
	}

	if cfg.Memory.Enabled {
		if err := checkMemory(ctx, cfg); err != nil {
			// Memory degrades at runtime, so an outage is a warning.
			fmt.Printf("memory:    WARN (%v)\n", err)
		} else {
			fmt.Println("memory:    ok")
		}
	} else {
		fmt.Println("memory:    disabled")
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed\n", failed)
		return 1
	}
	fmt.Println("\nall checks passed")
	return 0
}

func checkMemory(ctx context.Context, cfg *daemon.Config) error {
	if cfg.Memory.PostgresURL == "" || cfg.Memory.EmbedURL == "" {
		return fmt.Errorf("enabled but postgres_url or embed_url missing")
	}
	st, err := memory.NewStore(ctx, cfg.Memory.PostgresURL)
	if err != nil {
		return err
	}
	st.Close()
	return memory.NewEmbedClient(cfg.Memory.EmbedURL).Health(ctx)
}

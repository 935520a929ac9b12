package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flowrelay/config"
	"flowrelay/provider"
	"flowrelay/relay"
	"flowrelay/server"
	"flowrelay/storage"
)

const Version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("flowrelay", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "flowrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	cipher, err := config.NewKeyCipher(cfg.MasterSecret)
	if err != nil {
		return err
	}
	if cipher.Method() == config.EncryptionNone {
		logger.Warn("FLOWRELAY_MASTER_SECRET not set, storing api keys in plaintext")
	}

	keys, err := storage.NewKeyStore(cfg.DataDirectory, cipher)
	if err != nil {
		return err
	}
	defer keys.Close()

	registry, err := provider.NewDefaultRegistry(provider.Config{
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		GoogleBaseURL:    cfg.GoogleBaseURL,
		OllamaBaseURL:    cfg.OllamaBaseURL,
		OllamaEnabled:    cfg.OllamaEnabled,
	})
	if err != nil {
		return err
	}

	orchestrator := relay.New(registry, keys,
		relay.WithLogger(logger),
		relay.WithIdleTimeout(cfg.IdleTimeout),
		relay.WithCancelGrace(cfg.CancelGrace),
	)

	srv, err := server.New(cfg.Addr, orchestrator, registry, keys, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

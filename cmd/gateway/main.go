// Command gateway runs a MEW space gateway.
//
// It loads the space descriptor, serves the websocket and HTTP endpoints,
// reloads the descriptor when the file changes, and drains gracefully on
// SIGINT/SIGTERM.
//
// Usage:
//
//	gateway [flags]
//
// Flags:
//
//	-config path   space descriptor (default "space.yaml", env MEW_CONFIG)
//	-addr addr     listen address (default ":8080", env MEW_ADDR)
//	-data dir      history log root (default "./data")
//	-strict        reject envelopes with unknown top-level fields
//	-debug         verbose logging
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rjcorwin/mew-gateway/internal/config"
	"github.com/rjcorwin/mew-gateway/internal/gateway"
)

func main() {
	configPath := flag.String("config", envOr("MEW_CONFIG", "space.yaml"), "space descriptor path")
	addr := flag.String("addr", envOr("MEW_ADDR", ":8080"), "listen address")
	dataDir := flag.String("data", envOr("MEW_DATA", "./data"), "history log root")
	strict := flag.Bool("strict", false, "reject envelopes with unknown fields")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load space descriptor %s: %v", *configPath, err)
	}
	log.Printf("Loaded space %s (%d participants)", cfg.Space.ID, len(cfg.Participants))

	srv, err := gateway.NewServer(cfg, gateway.Options{
		Addr:    *addr,
		DataDir: *dataDir,
		Strict:  *strict,
		Debug:   *debug,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := config.Watch(ctx, *configPath, *debug, srv.SetConfig); err != nil {
			log.Printf("Descriptor watcher unavailable: %v", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Gateway exited with error: %v", err)
	}
	log.Printf("Gateway stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

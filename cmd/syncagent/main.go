// Command syncagent runs a headless sync client: it hydrates an in-memory
// document store from the server, follows the realtime event stream, and
// keeps the two reconciled until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/qazuor/markview/internal/channel"
	"github.com/qazuor/markview/internal/config"
	"github.com/qazuor/markview/internal/store"
	"github.com/qazuor/markview/internal/syncapi"
	"github.com/qazuor/markview/internal/syncer"
)

func main() {
	configPath := flag.String("config", "", "path to agent config YAML")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	ch := channel.New(cfg.ServerURL, cfg.Token, nil, logger)
	api := syncapi.New(cfg.ServerURL, cfg.Token, ch.DeviceID(), httpClient)
	st := store.New(logger)

	logger.Info("agent starting", "server", cfg.ServerURL, "device_id", ch.DeviceID())

	// Hydrate the store before reconciliation starts so the first realtime
	// events compare against real versions, not an empty store.
	docs, err := api.FetchDocuments(ctx, nil)
	if err != nil {
		log.Fatalf("Failed to fetch documents: %v", err)
	}
	for _, doc := range docs.Documents {
		if doc.DeletedAt != nil {
			continue
		}
		st.ApplyRemoteDocument(doc)
	}
	logger.Info("store hydrated", "documents", len(docs.Documents))

	orch := syncer.New(st, api, ch, &syncer.Config{
		SessionDebounce: cfg.SessionDebounce,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
	}, logger)
	orch.Start(ctx)
	ch.Connect(ctx)

	<-ctx.Done()
	logger.Info("agent shutting down")

	ch.Disconnect()
	orch.Close()
}

package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/qazuor/markview/internal/auth"
	"github.com/qazuor/markview/internal/config"
	"github.com/qazuor/markview/internal/handler"
	"github.com/qazuor/markview/internal/handler/sse"
	"github.com/qazuor/markview/internal/hub"
	"github.com/qazuor/markview/internal/middleware"
	"github.com/qazuor/markview/internal/repository/postgres"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}
	var logOut io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.OpenLogFile(cfg.LogDir, cfg.LogMaxFiles)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logOut = io.MultiWriter(os.Stdout, logFile)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// JWT verifier (auth gate)
	jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}
	defer jwtVerifier.Close()

	// pgx connection pool
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: postgres.NewTableNames(cfg.TablePrefix),
		Logger: logger,
	}
	docRepo := postgres.NewDocumentRepository(repoConfig)
	folderRepo := postgres.NewFolderRepository(repoConfig)
	sessionRepo := postgres.NewSessionRepository(repoConfig)

	// Realtime hub: heartbeats every 25s over the SSE streams
	eventHub := hub.New(25*time.Second, logger)
	go eventHub.Run(ctx)

	// Handlers
	docHandler := handler.NewDocumentHandler(docRepo, eventHub, logger)
	folderHandler := handler.NewFolderHandler(folderRepo, eventHub, logger)
	sessionHandler := handler.NewSessionHandler(sessionRepo, eventHub, logger)
	statusHandler := handler.NewStatusHandler(docRepo, folderRepo, logger)
	eventsHandler := handler.NewEventsHandler(eventHub, sse.DefaultConfig(), logger)

	logger.Info("services initialized")

	// HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", docHandler.HealthCheck)

	// Document routes
	mux.HandleFunc("GET /documents", docHandler.ListDocuments)
	mux.HandleFunc("GET /documents/{id}", docHandler.GetDocument)
	mux.HandleFunc("PUT /documents/{id}", docHandler.UpsertDocument)
	mux.HandleFunc("DELETE /documents/{id}", docHandler.DeleteDocument)

	// Folder routes
	mux.HandleFunc("GET /folders", folderHandler.ListFolders)
	mux.HandleFunc("GET /folders/{id}", folderHandler.GetFolder)
	mux.HandleFunc("PUT /folders/{id}", folderHandler.UpsertFolder)
	mux.HandleFunc("DELETE /folders/{id}", folderHandler.DeleteFolder)

	// Session routes
	mux.HandleFunc("GET /session", sessionHandler.GetSession)
	mux.HandleFunc("PUT /session", sessionHandler.UpdateSession)

	// Sync status
	mux.HandleFunc("GET /sync/status", statusHandler.GetStatus)

	// Realtime event stream
	mux.HandleFunc("GET /events", eventsHandler.Stream)

	// Build middleware chain. Order: CORS → Recovery → Auth → RateLimit → Routes
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	var httpHandler http.Handler = mux
	httpHandler = rateLimiter.Middleware(httpHandler)
	httpHandler = middleware.AuthMiddleware(jwtVerifier)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be outermost to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID", "X-Device-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

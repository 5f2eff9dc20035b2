package adminapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashare-etl/etl/internal/api/middleware"
	"github.com/ashare-etl/etl/internal/storage"
)

// Server is the read-only operator-inspection HTTP surface: watermark
// status, run-log history, and the quality-check log. Grounded on the
// teacher's internal/api.Server shape (config + dependencies + httpServer,
// SIGINT/SIGTERM-driven graceful shutdown) narrowed to a single storage
// dependency since every handler here only reads.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     ServerConfig
	startTime  time.Time
	conn       *storage.Connection
}

// NewServer constructs a Server. limiter may be nil to disable rate
// limiting (WithRateLimit is a no-op in that case).
func NewServer(cfg ServerConfig, conn *storage.Connection, limiter middleware.RateLimiter, logger *slog.Logger) *Server {
	s := &Server{
		logger:    logger,
		config:    cfg,
		startTime: time.Now(),
		conn:      conn,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(cfg.AdminToken, logger),
		middleware.WithRateLimit(limiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts it down
// gracefully. It blocks until shutdown completes.
func (s *Server) Start() error {
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("adminapi: listening", "address", s.config.Address())

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("adminapi: server error: %w", err)
	case sig := <-sigCh:
		s.logger.Info("adminapi: shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("adminapi: graceful shutdown failed, forcing close", "error", err)

		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("adminapi: forced close failed: %w", closeErr)
		}

		return fmt.Errorf("adminapi: graceful shutdown failed: %w", err)
	}

	s.logger.Info("adminapi: shutdown complete")

	return nil
}

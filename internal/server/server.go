package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/server/handler"
	"github.com/alanyoungcy/pricepredict/internal/server/middleware"
	"github.com/alanyoungcy/pricepredict/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Rounds      *handler.RoundHandler
	Predictions *handler.PredictionHandler
	Settlement  *handler.SettlementHandler
	Claims      *handler.ClaimHandler
	Accounts    *handler.AccountHandler
	// Encrypt is registered only when set.
	Encrypt *handler.EncryptHandler
}

// Backends are the optional collaborators of the middleware chain. Without
// Replay, signed writes are deduplicated in process.
type Backends struct {
	Hub     *ws.Hub
	Limiter domain.RateLimiter
	Replay  domain.ReplayGuard
}

// Server is the HTTP + WebSocket API of the prediction market.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, backends Backends, now func() time.Time, logger *slog.Logger) *Server {
	wsHub, limiter := backends.Hub, backends.Limiter
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/constants", handlers.Health.Constants)

	mux.HandleFunc("GET /api/rounds", handlers.Rounds.ListRounds)
	mux.HandleFunc("POST /api/rounds", handlers.Rounds.CreateRound)
	mux.HandleFunc("GET /api/rounds/{id}", handlers.Rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{id}/status", handlers.Rounds.GetStatus)
	mux.HandleFunc("GET /api/rounds/{id}/time", handlers.Rounds.GetTimeRemaining)
	mux.HandleFunc("GET /api/rounds/{id}/stakes", handlers.Rounds.GetStakes)
	mux.HandleFunc("GET /api/rounds/{id}/participants", handlers.Rounds.GetParticipants)
	mux.HandleFunc("GET /api/rounds/{id}/events", handlers.Rounds.GetEvents)

	mux.HandleFunc("GET /api/rounds/{id}/prediction", handlers.Predictions.GetMine)
	mux.HandleFunc("POST /api/rounds/{id}/prediction", handlers.Predictions.Submit)
	mux.HandleFunc("PUT /api/rounds/{id}/prediction", handlers.Predictions.Update)
	mux.HandleFunc("DELETE /api/rounds/{id}/prediction", handlers.Predictions.Withdraw)
	mux.HandleFunc("GET /api/rounds/{id}/predictions/{addr}", handlers.Predictions.GetByAddress)
	mux.HandleFunc("POST /api/rounds/{id}/stake", handlers.Predictions.AddStake)

	mux.HandleFunc("POST /api/rounds/{id}/settle", handlers.Settlement.Settle)
	mux.HandleFunc("POST /api/rounds/{id}/reveal", handlers.Settlement.Reveal)
	mux.HandleFunc("GET /api/rounds/{id}/reveal", handlers.Settlement.RevealedBatch)
	mux.HandleFunc("POST /api/rounds/{id}/verify", handlers.Settlement.Verify)
	mux.HandleFunc("GET /api/rounds/{id}/report/{kind}", handlers.Settlement.Report)

	mux.HandleFunc("GET /api/rounds/{id}/reward/{addr}", handlers.Claims.GetReward)
	mux.HandleFunc("POST /api/rounds/{id}/claim", handlers.Claims.Claim)
	mux.HandleFunc("POST /api/rounds/{id}/sweep", handlers.Claims.Sweep)

	mux.HandleFunc("GET /api/accounts/{addr}", handlers.Accounts.GetBalance)
	mux.HandleFunc("POST /api/accounts/{addr}/deposit", handlers.Accounts.Deposit)

	if handlers.Encrypt != nil {
		mux.HandleFunc("POST /api/encrypt", handlers.Encrypt.Encrypt)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Outermost first: CORS, identity, logging, rate limit, auth.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.Identity(now, backends.Replay, logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

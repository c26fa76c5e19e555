package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/gateway"
	"wallet-ledger/internal/handler"
	"wallet-ledger/internal/logging"
	"wallet-ledger/internal/notify"
	"wallet-ledger/internal/repository"
	"wallet-ledger/internal/service"
	"wallet-ledger/migrations"
)

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	router     *mux.Router
	server     *http.Server
	db         *sql.DB
	store      domain.Store
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
	port       string

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// NewServer connects to PostgreSQL, applies migrations when configured and
// wires the ledger on top of it.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := repository.Open(ctx, cfg.Database, cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to database", "host", cfg.Database.Host, "database", cfg.Database.Name)

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := New(cfg, repository.NewStore(db, cfg.Ledger.LockTimeout, logger), logger)
	s.db = db
	return s, nil
}

// New wires services and routes over an existing store.
func New(cfg *config.Config, store domain.Store, logger *slog.Logger) *Server {
	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout)
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.Workers, cfg.Notify.QueueSize, cfg.Notify.WebhookTimeout, logger)

	accountService := service.NewAccountService(store, cfg.Ledger, dispatcher, logger)
	devices := service.NewDeviceGuard(store, logger)
	pins := service.NewPinGuard(store, cfg.Security, logger)
	idempotency := service.NewIdempotencyGuard(store, cfg.Ledger.IdempotencyRetention, cfg.Ledger.IdempotencyWait, logger)
	engine := service.NewEngine(store, devices, pins, idempotency,
		gateway.NewPaymentGateway(cfg.Gateway, logger),
		gateway.NewBiller(cfg.Gateway, logger),
		dispatcher, cfg.Ledger, logger)
	transactionService := service.NewTransactionService(store, cfg.Ledger, logger)
	aggregator := service.NewAggregator(store, cfg.Ledger.MaxSummaryDays, logger)
	beneficiaries := service.NewBeneficiaryService(store, logger)

	auth := handler.NewAuthenticator(cfg.Security.JWTSecret, cfg.Security.DeviceChangeProofTTL, accountService, logger)
	accountHandler := handler.NewAccountHandler(accountService, devices, pins)
	transactionHandler := handler.NewTransactionHandler(engine, transactionService, aggregator)
	beneficiaryHandler := handler.NewBeneficiaryHandler(beneficiaries)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts", auth.Owner(accountHandler.CreateAccount)).Methods("POST")
	router.HandleFunc("/accounts/me", auth.Account(accountHandler.GetAccount)).Methods("GET")
	router.HandleFunc("/auth/device/login", auth.Account(accountHandler.DeviceLogin)).Methods("POST")
	router.HandleFunc("/auth/device/change", auth.DeviceChange(accountHandler.ChangeDevice)).Methods("POST")
	router.HandleFunc("/pin", auth.Account(accountHandler.SetPin)).Methods("POST")
	router.HandleFunc("/pin", auth.Account(accountHandler.ChangePin)).Methods("PUT")

	// Ledger routes
	router.HandleFunc("/transfers", auth.Account(transactionHandler.Transfer)).Methods("POST")
	router.HandleFunc("/top-ups", auth.Account(transactionHandler.TopUp)).Methods("POST")
	router.HandleFunc("/bill-payments", auth.Account(transactionHandler.PayBill)).Methods("POST")
	router.HandleFunc("/transactions", auth.Account(transactionHandler.ListTransactions)).Methods("GET")
	router.HandleFunc("/transactions/{reference}", auth.Account(transactionHandler.GetTransaction)).Methods("GET")
	router.HandleFunc("/analytics/summary", auth.Account(transactionHandler.Summary)).Methods("GET")
	router.HandleFunc("/beneficiaries", auth.Account(beneficiaryHandler.ListBeneficiaries)).Methods("GET")
	router.HandleFunc("/beneficiaries", auth.Account(beneficiaryHandler.SaveBeneficiary)).Methods("POST")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	return &Server{
		cfg:        cfg,
		router:     router,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// runJanitor purges expired idempotency keys until ctx ends.
func (s *Server) runJanitor(ctx context.Context, interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := s.store.Idempotency().PurgeExpired(ctx, now.UTC())
			if err != nil {
				s.logger.Error("Failed to purge idempotency keys", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("Purged expired idempotency keys", "count", purged)
			}
		}
	}
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	if s.cfg.Server.JanitorInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopJanitor = cancel
		s.janitorDone = make(chan struct{})
		go s.runJanitor(ctx, s.cfg.Server.JanitorInterval)
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains HTTP traffic first, then pending notifications, then closes
// the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}
	if s.stopJanitor != nil {
		s.stopJanitor()
		<-s.janitorDone
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("Pending notifications dropped at shutdown", "error", err)
	}
	if s.db != nil {
		s.db.Close()
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.Server.Port == "0" {
		// Test environment
		logger = logging.Discard()
	} else {
		logger = logging.New(cfg.Logging)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.Server.Port)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}

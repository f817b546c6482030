package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-danfe/internal/cache"
	"bot-danfe/internal/metrics"
	"bot-danfe/internal/nfe"
	"bot-danfe/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	MercadoPagoWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository repo.Store
	Redis      *cache.Redis
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/user-status", server.handleUserStatus)
	mux.HandleFunc("/admin/validate-key", server.handleValidateKey)

	if handlers.MercadoPagoWebhook != nil {
		mux.Handle("/webhook/mercadopago", handlers.MercadoPagoWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	if s.deps.Repository != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Repository.Ping(ctx); err != nil {
			s.logger.Warn("health check database ping failed", "error", err)
			status = "degraded"
		}
	}
	writeJSON(w, map[string]string{"status": status})
}

// handleUserStatus reports a user's entitlement state for support work.
func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Repository == nil {
		http.Error(w, "repository unavailable", http.StatusServiceUnavailable)
		return
	}

	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		http.Error(w, "phone query parameter is required", http.StatusBadRequest)
		return
	}

	user, err := s.deps.Repository.GetUserByPhone(r.Context(), phone)
	if err != nil {
		s.logger.Error("failed loading user status", "error", err, "phone", phone)
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	total, err := s.deps.Repository.CountSuccessfulAttempts(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed counting attempts", "error", err, "user_id", user.ID)
	}

	now := time.Now()
	writeJSON(w, map[string]any{
		"user_id":            user.ID,
		"phone_number":       user.PhoneNumber,
		"subscriber_active":  user.SubscriberActive(now),
		"remaining_queries":  user.RemainingQueries(now),
		"free_credits":       user.FreeCreditsRemaining,
		"monthly_used":       user.MonthlyQueriesUsed,
		"monthly_limit":      user.MonthlyQueryLimit,
		"subscription_until": user.SubscriptionExpiry,
		"successful_lookups": total,
	})
}

// handleValidateKey checks an access key without touching any quota.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := nfe.Normalize(r.URL.Query().Get("key"))
	result := nfe.Validate(key)
	if !result.Valid {
		writeJSON(w, map[string]any{"valid": false, "reason": result.Reason})
		return
	}

	info, err := nfe.Parse(key)
	if err != nil {
		writeJSON(w, map[string]any{"valid": false, "reason": err.Error()})
		return
	}
	writeJSON(w, map[string]any{
		"valid":  true,
		"uf":     info.UF,
		"year":   info.Year,
		"month":  info.Month,
		"cnpj":   info.CNPJ,
		"model":  info.Model,
		"series": info.Series,
		"number": info.Number,
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}

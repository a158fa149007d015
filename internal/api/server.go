package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/internal/adapters/provider"
	"github.com/stablepay-ng/quotegate/internal/quota"
	"github.com/stablepay-ng/quotegate/internal/quotes"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// HealthChecker reports store reachability for the probes
type HealthChecker interface {
	Health() error
}

// Server exposes the quote read path, quota administration, probes for K8s,
// and the quote stream
type Server struct {
	server     *http.Server
	service    *quotes.Service
	store      HealthChecker
	hub        *Hub
	adminToken string
	ready      bool
	readyMu    sync.RWMutex
	startTime  time.Time
}

// HealthStatus represents system health
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// NewServer creates the API server
func NewServer(cfg *config.ServerConfig, service *quotes.Service, store HealthChecker, hub *Hub) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		service:    service,
		store:      store,
		hub:        hub,
		adminToken: cfg.AdminToken,
		ready:      false,
		startTime:  time.Now(),
	}

	mux.HandleFunc("/v1/quote", s.handleQuote)
	mux.HandleFunc("/v1/quota", s.handleQuotaStatus)
	mux.HandleFunc("/v1/quota/reset", s.handleQuotaReset)
	mux.HandleFunc("/ws/quotes", s.handleStream)

	// Probe endpoints for K8s
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReadiness)
	mux.HandleFunc("/readyz", s.handleReadiness)

	return s
}

// Start starts the API server
func (s *Server) Start() error {
	logger.Info("API server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping API server...")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		logger.Info("✅ service marked as READY")
	} else {
		logger.Warn("⚠️ service marked as NOT READY")
	}
}

// handleQuote serves GET /v1/quote?token=&fiat=&side=
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := r.URL.Query().Get("token")
	fiat := r.URL.Query().Get("fiat")
	if token == "" || fiat == "" {
		writeError(w, http.StatusBadRequest, "token and fiat query parameters are required")
		return
	}

	side, err := models.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quote, err := s.service.GetQuote(r.Context(), token, fiat, side)
	if err != nil {
		s.writeQuoteError(w, token, fiat, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteUpdate{
		Token:     strings.ToUpper(token),
		Fiat:      strings.ToUpper(fiat),
		Side:      side,
		Price:     quote.Price,
		Timestamp: quote.Timestamp,
	})
}

// writeQuoteError maps the error taxonomy onto status codes: quota exhaustion
// and upstream failures are the service degrading, store failures are ours
func (s *Server) writeQuoteError(w http.ResponseWriter, token, fiat string, err error) {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		logger.Warn("quote rejected, quota exhausted",
			zap.String("token", token),
			zap.String("fiat", fiat),
		)
		writeError(w, http.StatusServiceUnavailable, "monthly call quota exceeded")

	case errors.Is(err, provider.ErrUpstream):
		logger.Warn("quote failed upstream",
			zap.String("token", token),
			zap.String("fiat", fiat),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "upstream provider unavailable")

	default:
		logger.Error("quote failed",
			zap.String("token", token),
			zap.String("fiat", fiat),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleQuotaStatus serves GET /v1/quota
func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, err := s.service.GetQuotaStatus(r.Context())
	if err != nil {
		logger.Error("failed to read quota status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleQuotaReset serves POST /v1/quota/reset with body {"used": n}; an
// empty body resets to zero. Guarded by the admin token when one is set.
func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.adminToken != "" && r.Header.Get("X-Admin-Token") != s.adminToken {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}

	var req struct {
		Used int64 `json:"used"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Used < 0 {
		writeError(w, http.StatusBadRequest, "used cannot be negative")
		return
	}

	if err := s.service.ResetQuota(r.Context(), req.Used); err != nil {
		logger.Error("failed to reset quota", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status, err := s.service.GetQuotaStatus(r.Context())
	if err != nil {
		logger.Error("failed to read quota status after reset", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleStream upgrades GET /ws/quotes to a websocket subscription
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// handleHealth handles liveness probe - returns 200 if the process is alive
// even when dependencies are down
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		checks := make(map[string]string)
		if err := s.store.Health(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
		status.Checks = checks
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReadiness handles readiness probe - returns 200 only once startup
// completed and the store answers
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks := make(map[string]string)
	storeHealthy := true
	if err := s.store.Health(); err != nil {
		checks["redis"] = "unhealthy: " + err.Error()
		storeHealthy = false
	} else {
		checks["redis"] = "healthy"
	}

	isReady := ready && storeHealthy
	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	code := http.StatusOK
	if !isReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// Package server exposes the registration endpoints that populate the escrow
// registry and the operator-facing status, health and metrics surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vaultkeeper/internal/chain"
	"vaultkeeper/internal/config"
	"vaultkeeper/internal/hmacauth"
	"vaultkeeper/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	cfg         *config.AppConfig
	store       registry.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) map[string]error
}

// NewServer wires the HTTP surface. reg is the shared prometheus registry so
// keeper and server metrics are scraped from one endpoint. rpcHealth may be
// nil when no chain connectivity probe is available.
func NewServer(cfg *config.AppConfig, store registry.Store, reg *prometheus.Registry, rpcHealth func(context.Context) map[string]error) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		hmac:        hmacVerifier,
		metrics:     newMetricsRegistry(reg),
		rpcHealthFn: rpcHealth,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/escrows", s.hmac.Middleware(http.HandlerFunc(s.handleEscrows)))
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/api/v1/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type registerEscrowRequest struct {
	EscrowAddress    string `json:"escrowAddress"`
	Network          string `json:"network"`
	Email            string `json:"email"`
	InactivityPeriod int64  `json:"inactivityPeriod"`
}

type escrowResponse struct {
	EscrowAddress    string     `json:"escrowAddress"`
	Network          string     `json:"network"`
	Email            string     `json:"email,omitempty"`
	InactivityPeriod int64      `json:"inactivityPeriod"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastEmailSent    *time.Time `json:"lastEmailSent,omitempty"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegister(w, r)
	case http.MethodDelete:
		s.handleUnregister(w, r)
	case http.MethodGet:
		s.handleLookup(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload registerEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := s.validateRegisterRequest(payload); err != nil {
		s.metrics.incRegistration("register", "rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rec := registry.EscrowRecord{
		EscrowAddress:    registry.NormalizeAddress(payload.EscrowAddress),
		Network:          payload.Network,
		Email:            strings.TrimSpace(payload.Email),
		InactivityPeriod: payload.InactivityPeriod,
	}
	if err := s.store.Add(ctx, rec); err != nil {
		s.metrics.incRegistration("register", "failed")
		http.Error(w, "failed to register escrow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	stored, err := s.store.Get(ctx, rec.EscrowAddress, rec.Network)
	if err != nil || stored == nil {
		s.metrics.incRegistration("register", "failed")
		http.Error(w, "failed to read back escrow", http.StatusInternalServerError)
		return
	}

	s.metrics.incRegistration("register", "ok")
	writeJSON(w, http.StatusCreated, toResponse(*stored))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	address, network, err := keyParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existed, err := s.store.Remove(r.Context(), address, network)
	if err != nil {
		s.metrics.incRegistration("unregister", "failed")
		http.Error(w, "failed to unregister escrow: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !existed {
		s.metrics.incRegistration("unregister", "missing")
		http.Error(w, "escrow not found", http.StatusNotFound)
		return
	}

	s.metrics.incRegistration("unregister", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	address, network, err := keyParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.store.Get(r.Context(), address, network)
	if err != nil {
		http.Error(w, "failed to read escrow: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "escrow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(*rec))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := make([]string, 0, len(s.cfg.Networks))
	for _, nc := range s.cfg.Networks {
		names = append(names, nc.Name)
	}

	resp := struct {
		KeeperEnabled       bool     `json:"keeperEnabled"`
		TickIntervalSeconds int      `json:"tickIntervalSeconds"`
		Networks            []string `json:"networks"`
	}{
		KeeperEnabled:       s.cfg.Keeper.Enabled,
		TickIntervalSeconds: int(s.cfg.Keeper.TickInterval / time.Second),
		Networks:            names,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	rpcInfo := make(map[string]string)
	if s.rpcHealthFn != nil {
		rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for network, err := range s.rpcHealthFn(rpcCtx) {
			if err != nil {
				rpcInfo[network] = err.Error()
				overallHealthy = false
			} else {
				rpcInfo[network] = "ok"
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string            `json:"status"`
		Database interface{}       `json:"database"`
		RPC      map[string]string `json:"rpc,omitempty"`
	}{
		Status:   status,
		Database: dbInfo,
		RPC:      rpcInfo,
	})
}

func (s *Server) validateRegisterRequest(req registerEscrowRequest) error {
	if !chain.ValidAddress(req.EscrowAddress) {
		return errors.New("escrowAddress is not a valid address")
	}
	if req.Network == "" {
		return errors.New("network is required")
	}
	if !s.networkConfigured(req.Network) {
		return fmt.Errorf("network %s is not configured", req.Network)
	}
	if req.InactivityPeriod <= 0 {
		return errors.New("inactivityPeriod must be positive")
	}
	if email := strings.TrimSpace(req.Email); email != "" && !strings.Contains(email, "@") {
		return errors.New("email is not valid")
	}
	return nil
}

func (s *Server) networkConfigured(name string) bool {
	for _, nc := range s.cfg.Networks {
		if nc.Name == name {
			return true
		}
	}
	return false
}

func keyParams(r *http.Request) (address, network string, err error) {
	address = strings.TrimSpace(r.URL.Query().Get("address"))
	network = strings.TrimSpace(r.URL.Query().Get("network"))
	if address == "" {
		return "", "", errors.New("address query parameter is required")
	}
	if network == "" {
		return "", "", errors.New("network query parameter is required")
	}
	return address, network, nil
}

func toResponse(rec registry.EscrowRecord) escrowResponse {
	return escrowResponse{
		EscrowAddress:    rec.EscrowAddress,
		Network:          rec.Network,
		Email:            rec.Email,
		InactivityPeriod: rec.InactivityPeriod,
		CreatedAt:        rec.CreatedAt,
		LastEmailSent:    rec.LastEmailSent,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}

// Package api exposes the proxies over HTTP: diagnostics for every virtual
// thermostat plus the caller-facing set operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"thermoproxy/internal/proxy"
)

// Server provides the HTTP API for the thermostat proxies
type Server struct {
	proxies map[string]*proxy.Proxy
	order   []string
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new API server serving the given proxies
func NewServer(proxies []*proxy.Proxy, logger *zap.Logger, port int) *Server {
	s := &Server{
		proxies: make(map[string]*proxy.Proxy, len(proxies)),
		logger:  logger,
	}
	for _, p := range proxies {
		s.proxies[p.Name()] = p
		s.order = append(s.order, p.Name())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/proxies", s.handleListProxies)
	mux.HandleFunc("/api/proxies/", s.handleProxy)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	available := 0
	for _, p := range s.proxies {
		if p.Available() {
			available++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"proxies":   len(s.proxies),
		"available": available,
	})
}

// handleListProxies returns every proxy's full snapshot
func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshots := make([]map[string]interface{}, 0, len(s.order))
	for _, name := range s.order {
		snapshots = append(snapshots, s.proxies[name].Snapshot())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Proxy list served", zap.String("remote_addr", r.RemoteAddr))
}

// setRequest carries a caller-initiated change to one proxy. Exactly the
// provided fields are applied.
type setRequest struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	TargetHigh   *float64 `json:"target_temp_high,omitempty"`
	TargetLow    *float64 `json:"target_temp_low,omitempty"`
	HVACMode     *string  `json:"hvac_mode,omitempty"`
	FanMode      *string  `json:"fan_mode,omitempty"`
	SwingMode    *string  `json:"swing_mode,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	ActiveSensor *string  `json:"active_sensor,omitempty"`
}

// handleProxy serves GET /api/proxies/{name} and POST /api/proxies/{name}/set
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/proxies/")
	name, action, _ := strings.Cut(rest, "/")
	p, ok := s.proxies[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Snapshot())

	case action == "set" && r.Method == http.MethodPost:
		s.handleSet(w, r, p)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, p *proxy.Proxy) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := applySet(p, req); err != nil {
		s.logger.Warn("Set request failed",
			zap.String("proxy", p.Name()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Snapshot())
}

func applySet(p *proxy.Proxy, req setRequest) error {
	if req.ActiveSensor != nil {
		if err := p.SetActiveSensor(*req.ActiveSensor); err != nil {
			return err
		}
	}
	if req.HVACMode != nil {
		if err := p.SetHVACMode(*req.HVACMode); err != nil {
			return err
		}
	}
	if req.Temperature != nil {
		if err := p.SetTemperature(*req.Temperature); err != nil {
			return err
		}
	}
	if req.TargetHigh != nil && req.TargetLow != nil {
		if err := p.SetTemperatureRange(*req.TargetHigh, *req.TargetLow); err != nil {
			return err
		}
	}
	if req.FanMode != nil {
		if err := p.SetFanMode(*req.FanMode); err != nil {
			return err
		}
	}
	if req.SwingMode != nil {
		if err := p.SetSwingMode(*req.SwingMode); err != nil {
			return err
		}
	}
	if req.Humidity != nil {
		if err := p.SetHumidity(*req.Humidity); err != nil {
			return err
		}
	}
	return nil
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// handleSitemap lists the available endpoints for anyone poking at the root
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints := []Endpoint{
		{"/", "GET", "This sitemap - lists all available API endpoints"},
		{"/health", "GET", "Health check with proxy availability counts"},
		{"/api/proxies", "GET", "All proxies with live state and diagnostics"},
		{"/api/proxies/{name}", "GET", "One proxy's live state and diagnostics"},
		{"/api/proxies/{name}/set", "POST", "Apply temperature/mode/fan/sensor changes"},
	}

	// 404 keeps automations from mistaking the sitemap for a real resource.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Thermostat Proxy API\n")
	fmt.Fprintf(w, "====================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-26s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExample:\n\n")
	fmt.Fprintf(w, "  curl localhost:8081/api/proxies | jq\n")
	fmt.Fprintf(w, "  curl -X POST localhost:8081/api/proxies/living_room/set -d '{\"temperature\": 22.5}'\n")

	s.logger.Debug("Sitemap request served", zap.String("remote_addr", r.RemoteAddr))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

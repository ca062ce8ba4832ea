package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auricleai/auricle/internal/config"
	"github.com/auricleai/auricle/internal/tasks"
	"github.com/auricleai/auricle/internal/transcription"
)

// Monitor serves Prometheus metrics and health on its own listener, kept off
// the authenticated ingress port so scrapers need no credentials.
type Monitor struct {
	cfg        *config.MonitorConfig
	server     *http.Server
	logger     *slog.Logger
	hub        *Hub
	dispatcher *tasks.Dispatcher
	udp        *UDPServer
	client     *transcription.Client
	startedAt  time.Time
}

// NewMonitor wires the monitoring endpoints. udp and client may be nil.
func NewMonitor(cfg *config.MonitorConfig, hub *Hub, dispatcher *tasks.Dispatcher, udp *UDPServer, client *transcription.Client, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "monitor")),
		hub:        hub,
		dispatcher: dispatcher,
		udp:        udp,
		client:     client,
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/stats", m.handleStats)

	m.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return m
}

// Start begins serving in the background.
func (m *Monitor) Start() {
	m.logger.Info("Monitor server starting", slog.String("address", m.server.Addr))
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Monitor server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts the listener down.
func (m *Monitor) Stop(ctx context.Context) error {
	m.logger.Info("Stopping monitor server")
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(m.startedAt).Seconds()),
	}
	if m.hub != nil {
		health["websocket_clients"] = m.hub.ClientCount()
	}
	writeJSONResponse(w, http.StatusOK, health, m.logger)
}

func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if m.dispatcher != nil {
		d := m.dispatcher.Stats()
		stats["tasks"] = map[string]any{
			"processed": d.Processed,
			"failed":    d.Failed,
			"panicked":  d.Panicked,
		}
	}
	if m.udp != nil {
		stats["udp"] = m.udp.Stats()
	}
	if m.client != nil {
		stats["transcription"] = m.client.GetStats()
	}
	writeJSONResponse(w, http.StatusOK, stats, m.logger)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

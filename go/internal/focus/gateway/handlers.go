package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mkove/focusdeck/go/internal/focus"
	"github.com/rs/zerolog/log"
)

// StateSource is the read side of the coordinator the gateway exposes.
type StateSource interface {
	State() focus.Snapshot
}

// Service wires the hub and the state endpoints onto an HTTP mux.
type Service struct {
	hub    *Hub
	source StateSource
}

// NewService creates the gateway HTTP surface.
func NewService(hub *Hub, source StateSource) *Service {
	return &Service{hub: hub, source: source}
}

// HandleWS upgrades a tab connection onto the hub.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		// the upgrader has already written an error response
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
	}
}

// HandleState serves the current corrected snapshot as JSON.
func (s *Service) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.State()); err != nil {
		log.Error().Err(err).Msg("failed to encode state response")
	}
}

// HandleHealth reports liveness and the connection count.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(),
	})
}

// RegisterRoutes registers the gateway routes with an HTTP mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/state", s.HandleState)
	mux.HandleFunc("/healthz", s.HandleHealth)
	log.Info().Msg("gateway routes registered")
}

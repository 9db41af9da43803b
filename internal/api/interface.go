package api

import (
	"net/http"

	"go.uber.org/zap"

	"can-bus-tester/internal/models"
	"can-bus-tester/internal/transport"
)

// handleInterfaceStatus returns the configured state of the bus
func (s *Server) handleInterfaceStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.deps.Bus.Status())
}

// handleInterfaceConfigure (re)opens the bus interface
func (s *Server) handleInterfaceConfigure(w http.ResponseWriter, r *http.Request) {
	var cfg transport.InterfaceConfig
	if err := decodeBody(r, &cfg); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.Channel == "" {
		respondWithError(w, http.StatusBadRequest, "channel is required")
		return
	}

	status, err := s.deps.Bus.Configure(cfg)
	if err != nil {
		s.logger.Error("failed to configure CAN interface", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Stats != nil {
		s.deps.Stats.SetInterface(cfg.Channel)
	}

	s.deps.Broadcaster.Publish(models.Event{
		Type:   models.EventInterface,
		Status: status,
	})

	respondWithJSON(w, http.StatusOK, status)
}

// handleInterfaceStats returns the latest link statistics sample
func (s *Server) handleInterfaceStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		respondWithError(w, http.StatusNotFound, "statistics collector is not running")
		return
	}
	stats, ok := s.deps.Stats.Latest()
	if !ok {
		respondWithError(w, http.StatusNotFound, "no statistics collected yet")
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

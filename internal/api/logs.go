package api

import (
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"

	"can-bus-tester/internal/models"
	"can-bus-tester/internal/recording"
	"can-bus-tester/internal/schema"
)

type logStartRequest struct {
	Name string `json:"name,omitempty"`
}

// handleLogList returns the active recording plus all persisted logs
func (s *Server) handleLogList(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Recorder.List()
	if err != nil {
		s.logger.Error("failed to list recordings", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	if logs == nil {
		logs = []recording.Log{}
	}

	response := map[string]any{"logs": logs}
	if active, ok := s.deps.Recorder.Active(); ok {
		response["active"] = active
	} else {
		response["active"] = nil
	}
	respondWithJSON(w, http.StatusOK, response)
}

// handleLogStart begins a new recording. While one is active a second
// start is rejected and the active recording is returned unchanged.
func (s *Server) handleLogStart(w http.ResponseWriter, r *http.Request) {
	var req logStartRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	info, err := s.deps.Recorder.Start(req.Name)
	if err != nil {
		if errors.Is(err, recording.ErrRecordingActive) {
			respondWithJSON(w, http.StatusConflict, map[string]any{
				"error":  err.Error(),
				"active": info,
			})
			return
		}
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Broadcaster.Publish(models.Event{
		Type:   models.EventRecording,
		State:  "started",
		Record: info,
	})
	respondWithJSON(w, http.StatusOK, info)
}

// handleLogStop finalizes the active recording
func (s *Server) handleLogStop(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Recorder.Stop()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Broadcaster.Publish(models.Event{
		Type:   models.EventRecording,
		State:  "stopped",
		Record: info,
	})
	respondWithJSON(w, http.StatusOK, info)
}

// handleLogGet returns one finalized recording, events included
func (s *Server) handleLogGet(w http.ResponseWriter, r *http.Request) {
	log, ok := s.loadLog(w, r.PathValue("id"))
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, log)
}

// handleLogDecode decodes a recording against an uploaded schema and
// returns the playback series and event table.
func (s *Server) handleLogDecode(w http.ResponseWriter, r *http.Request) {
	log, ok := s.loadLog(w, r.PathValue("id"))
	if !ok {
		return
	}

	content, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	sch, err := schema.Load(content)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := recording.Decode(log, sch)
	if err != nil {
		s.logger.Error("failed to decode recording", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to decode recording")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) loadLog(w http.ResponseWriter, id string) (*recording.Log, bool) {
	log, err := s.deps.Recorder.Get(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondWithError(w, http.StatusNotFound, "recording not found: "+id)
			return nil, false
		}
		s.logger.Error("failed to load recording", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load recording")
		return nil, false
	}
	return log, true
}

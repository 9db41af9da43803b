package api

import (
	"net/http"

	"can-bus-tester/internal/tasks"
)

type faultStartRequest struct {
	MessageName     string             `json:"messageName"`
	FaultType       tasks.FaultType    `json:"faultType"`
	Count           int                `json:"count"`
	IntervalSeconds float64            `json:"intervalSeconds"`
	Signals         map[string]float64 `json:"signals,omitempty"`
	BitFlipCount    int                `json:"bitFlipCount,omitempty"`
	DLCValue        int                `json:"dlcValue,omitempty"`
	TargetSignal    string             `json:"targetSignal,omitempty"`
	RangeMultiplier float64            `json:"rangeMultiplier,omitempty"`
}

type faultStopRequest struct {
	MessageName string `json:"messageName"`
}

// handleFaultStart starts a bounded fault injection run for a message. A
// second start while one is live returns the existing task unchanged.
func (s *Server) handleFaultStart(w http.ResponseWriter, r *http.Request) {
	var req faultStartRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	sch, ok := s.activeSchema(w)
	if !ok {
		return
	}
	msg, ok := s.messageByName(w, sch, req.MessageName)
	if !ok {
		return
	}

	cfg := tasks.FaultConfig{
		Message:         msg,
		Type:            req.FaultType,
		Count:           req.Count,
		IntervalSeconds: req.IntervalSeconds,
		SignalValues:    req.Signals,
		BitFlipCount:    req.BitFlipCount,
		DLCValue:        req.DLCValue,
		TargetSignal:    req.TargetSignal,
		RangeMultiplier: req.RangeMultiplier,
	}

	status, created, err := s.deps.Registry.Start(msg.Name, tasks.KindFault, func() (tasks.Task, error) {
		return tasks.NewFault(cfg, s.deps.Registry, s.taskDeps())
	})
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"created": created,
		"task":    status,
	})
}

// handleFaultStop stops the fault task for a message before completion
func (s *Server) handleFaultStop(w http.ResponseWriter, r *http.Request) {
	var req faultStopRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageName == "" {
		respondWithError(w, http.StatusBadRequest, "messageName is required")
		return
	}

	status, stopped := s.deps.Registry.Stop(req.MessageName, tasks.KindFault)
	if !stopped {
		respondWithJSON(w, http.StatusOK, map[string]any{"status": "not-running"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "stopped", "task": status})
}

// handleFaultStatus lists live fault tasks
func (s *Server) handleFaultStatus(w http.ResponseWriter, r *http.Request) {
	s.kindStatus(w, r, tasks.KindFault)
}

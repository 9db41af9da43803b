package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/schema"
	"can-bus-tester/internal/tasks"
	"can-bus-tester/internal/transport"
)

type messageSendRequest struct {
	MessageName string             `json:"messageName"`
	Signals     map[string]float64 `json:"signals"`
	PeriodMs    int                `json:"periodMs,omitempty"`
}

type messageStopRequest struct {
	MessageName string `json:"messageName"`
}

// handleMessageSend encodes and transmits one message. With periodMs set a
// periodic sender task is started instead; starting an already-running
// sender returns the existing task unchanged.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req messageSendRequest
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

	frame, err := encodeFrame(msg, req.Signals)
	if err != nil {
		var verr *codec.ValidationError
		if errors.As(err, &verr) {
			respondWithError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("failed to encode message", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.PeriodMs > 0 {
		status, created, err := s.deps.Registry.Start(msg.Name, tasks.KindPeriodic, func() (tasks.Task, error) {
			return tasks.NewPeriodic(tasks.PeriodicConfig{
				MessageName: msg.Name,
				Frame:       frame,
				PeriodMs:    req.PeriodMs,
			}, s.taskDeps())
		})
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status":  "periodic",
			"created": created,
			"task":    status,
		})
		return
	}

	if err := s.deps.Bus.Send(frame); err != nil {
		if errors.Is(err, transport.ErrNotConfigured) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to send CAN message", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "CAN send failed")
		return
	}

	s.deps.Broadcaster.Publish(models.Event{
		Type:      models.EventTX,
		Timestamp: events.Now(),
		ID:        frame.ID,
		DLC:       frame.DLC,
		Data:      models.DataInts(frame.Payload()),
		Message:   msg.Name,
	})

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleMessageStop stops the periodic sender for a message
func (s *Server) handleMessageStop(w http.ResponseWriter, r *http.Request) {
	var req messageStopRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageName == "" {
		respondWithError(w, http.StatusBadRequest, "messageName is required")
		return
	}

	status, stopped := s.deps.Registry.Stop(req.MessageName, tasks.KindPeriodic)
	if !stopped {
		respondWithJSON(w, http.StatusOK, map[string]any{"status": "not-running"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "stopped", "task": status})
}

// handleTaskStatus lists live tasks, optionally filtered by message name
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("messageName")

	var statuses []tasks.Status
	if name != "" {
		statuses = s.deps.Registry.StatusFor(name)
	} else {
		statuses = s.deps.Registry.All()
	}
	if statuses == nil {
		statuses = []tasks.Status{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"tasks": statuses})
}

func (s *Server) taskDeps() tasks.Deps {
	return tasks.Deps{
		Bus:    s.deps.Bus,
		Events: s.deps.Broadcaster,
		Logger: s.logger,
	}
}

func encodeFrame(msg *schema.Message, values map[string]float64) (models.CANFrame, error) {
	data, err := codec.Encode(msg, values)
	if err != nil {
		return models.CANFrame{}, err
	}
	frame := models.CANFrame{
		ID:         msg.FrameID,
		DLC:        msg.Length,
		IsExtended: msg.IsExtended,
	}
	copy(frame.Data[:], data)
	return frame, nil
}

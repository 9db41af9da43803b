package api

import (
	"net/http"

	"can-bus-tester/internal/tasks"
)

type chaserStartRequest struct {
	MessageName     string           `json:"messageName"`
	IntervalSeconds float64          `json:"intervalSeconds"`
	Mode            tasks.ChaserMode `json:"mode"`
	Source          tasks.CodeSource `json:"source,omitempty"`
	RangeStart      *uint64          `json:"rangeStart,omitempty"`
	RangeEnd        *uint64          `json:"rangeEnd,omitempty"`
}

type chaserStopRequest struct {
	MessageName string `json:"messageName"`
}

// handleChaserStart starts a signal or code chaser for a message. A second
// start for a message with a live chaser returns the existing task.
func (s *Server) handleChaserStart(w http.ResponseWriter, r *http.Request) {
	var req chaserStartRequest
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

	if req.Mode == "" {
		req.Mode = tasks.ModeSignals
	}

	cfg := tasks.ChaserConfig{
		Message:         msg,
		IntervalSeconds: req.IntervalSeconds,
		Mode:            req.Mode,
		Source:          req.Source,
	}

	if req.Mode == tasks.ModeCodes {
		switch req.Source {
		case tasks.SourceRange:
			if req.RangeStart == nil || req.RangeEnd == nil {
				respondWithError(w, http.StatusBadRequest, "rangeStart and rangeEnd are required for range source")
				return
			}
			cfg.RangeStart = *req.RangeStart
			cfg.RangeEnd = *req.RangeEnd
		case tasks.SourceHexList, tasks.SourceDecimalList:
			upload, ok := s.deps.Uploads.Get(msg.Name)
			if !ok || upload.Source != req.Source {
				respondWithError(w, http.StatusBadRequest, "no matching code list uploaded for message "+msg.Name)
				return
			}
			cfg.Codes = upload.Codes
			cfg.TargetSignal = upload.TargetSignal
		default:
			respondWithError(w, http.StatusBadRequest, "source is required for code mode")
			return
		}
	}

	status, created, err := s.deps.Registry.Start(msg.Name, tasks.KindChaser, func() (tasks.Task, error) {
		return tasks.NewChaser(cfg, s.taskDeps())
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

// handleChaserStop stops the chaser for a message
func (s *Server) handleChaserStop(w http.ResponseWriter, r *http.Request) {
	var req chaserStopRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageName == "" {
		respondWithError(w, http.StatusBadRequest, "messageName is required")
		return
	}

	status, stopped := s.deps.Registry.Stop(req.MessageName, tasks.KindChaser)
	if !stopped {
		respondWithJSON(w, http.StatusOK, map[string]any{"status": "not-running"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "stopped", "task": status})
}

// handleChaserStatus lists live chaser tasks
func (s *Server) handleChaserStatus(w http.ResponseWriter, r *http.Request) {
	s.kindStatus(w, r, tasks.KindChaser)
}

// kindStatus lists live tasks of one kind, optionally by message name
func (s *Server) kindStatus(w http.ResponseWriter, r *http.Request, kind tasks.Kind) {
	name := r.URL.Query().Get("messageName")

	var all []tasks.Status
	if name != "" {
		all = s.deps.Registry.StatusFor(name)
	} else {
		all = s.deps.Registry.All()
	}

	filtered := []tasks.Status{}
	for _, st := range all {
		if st.Kind == kind {
			filtered = append(filtered, st)
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"tasks": filtered})
}

// handleUploadHex accepts a hex code list for a message. Rows that do not
// parse as hex integers are counted and skipped.
func (s *Server) handleUploadHex(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, 16, tasks.SourceHexList)
}

// handleUploadDecimal accepts a decimal code list bound to one target
// signal of the message.
func (s *Server) handleUploadDecimal(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, 10, tasks.SourceDecimalList)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, base int, source tasks.CodeSource) {
	sch, ok := s.activeSchema(w)
	if !ok {
		return
	}
	msg, ok := s.messageByName(w, sch, r.URL.Query().Get("messageName"))
	if !ok {
		return
	}

	targetSignal := ""
	if source == tasks.SourceDecimalList {
		targetSignal = r.URL.Query().Get("targetSignal")
		if _, ok := msg.SignalByName(targetSignal); !ok {
			respondWithError(w, http.StatusBadRequest, "targetSignal is required and must exist in the message")
			return
		}
	}

	content, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	upload := tasks.ParseCodeList(content, base)
	if upload.Count == 0 {
		respondWithError(w, http.StatusBadRequest, "no valid codes in upload")
		return
	}

	s.deps.Uploads.Put(msg.Name, &tasks.StoredUpload{
		Source:       source,
		Codes:        upload.Parsed,
		TargetSignal: targetSignal,
	})

	respondWithJSON(w, http.StatusOK, upload)
}

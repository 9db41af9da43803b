package api

import (
	"net/http"

	"go.uber.org/zap"

	"can-bus-tester/internal/schema"
)

// handleSchemaLoad replaces the active schema with the uploaded document.
// Definitions are replaced wholesale, so all running tasks referencing the
// old model are stopped and retained code uploads are dropped.
func (s *Server) handleSchemaLoad(w http.ResponseWriter, r *http.Request) {
	content, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	sch, err := schema.Load(content)
	if err != nil {
		s.logger.Error("failed to load schema", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Registry.StopAll()
	s.deps.Uploads.Clear()
	s.deps.Schemas.Replace(sch)

	s.logger.Info("schema loaded",
		zap.String("name", sch.Name),
		zap.Int("messages", len(sch.Messages)))

	respondWithJSON(w, http.StatusOK, map[string]any{
		"name":     sch.Name,
		"messages": len(sch.Messages),
	})
}

// handleSchemaMessages lists the active schema's message metadata
func (s *Server) handleSchemaMessages(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.deps.Schemas.Active()
	if !ok {
		respondWithError(w, http.StatusNotFound, "no schema loaded")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"name":     sch.Name,
		"messages": sch.Messages,
	})
}

// activeSchema fetches the active schema, writing a 400 when none is loaded
func (s *Server) activeSchema(w http.ResponseWriter) (*schema.Schema, bool) {
	sch, ok := s.deps.Schemas.Active()
	if !ok {
		respondWithError(w, http.StatusBadRequest, "a schema must be loaded first")
		return nil, false
	}
	return sch, true
}

// messageByName resolves a message, writing a 404 when unknown
func (s *Server) messageByName(w http.ResponseWriter, sch *schema.Schema, name string) (*schema.Message, bool) {
	if name == "" {
		respondWithError(w, http.StatusBadRequest, "messageName is required")
		return nil, false
	}
	msg, ok := sch.MessageByName(name)
	if !ok {
		respondWithError(w, http.StatusNotFound, "message not found: "+name)
		return nil, false
	}
	return msg, true
}

// SPDX-License-Identifier: MIT

// Legacy single-stream handlers: operate on whichever pipeline
// StartDefault resolves to, for clients written before multi-device
// support existed.
package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleLegacyStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.StartDefault()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "start", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stable_id": id})
}

func (s *Server) handleLegacyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopDefault(); err != nil {
		writeError(w, http.StatusInternalServerError, "", "stop", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.StartDefault()
	if err != nil {
		writeError(w, http.StatusNotFound, "", "status", err)
		return
	}
	st, err := s.manager.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, id, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLegacyStream(w http.ResponseWriter, r *http.Request) {
	id, sub, err := s.manager.SubscribeDefault()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "stream", err)
		return
	}
	defer s.manager.Unsubscribe(id, sub.ID)
	serveSSE(w, r, id, sub.Frames())
}

func (s *Server) handleLegacySetStreamConfig(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.StartDefault()
	if err != nil {
		writeError(w, http.StatusNotFound, "", "set-stream-config", err)
		return
	}
	var req streamConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-stream-config", err)
		return
	}
	if err := s.manager.UpdateStream(id, req.toPatch(), req.RestartIfNeeded); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-stream-config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLegacySetFps(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.StartDefault()
	if err != nil {
		writeError(w, http.StatusNotFound, "", "set-fps", err)
		return
	}
	var req struct {
		Fps int `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-fps", err)
		return
	}
	fps := req.Fps
	if err := s.manager.UpdateStream(id, streamConfigRequest{TargetFps: &fps}.toPatch(), true); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-fps", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

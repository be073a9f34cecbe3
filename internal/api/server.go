// SPDX-License-Identifier: MIT

// Package api implements the Control/Stream façade: a thin gorilla/mux
// router mapping HTTP requests onto DeviceManager operations and
// Broadcaster subscriptions onto Server-Sent Events responses. Grounded in
// the teacher repository's WebSocketTransport HTTP server wiring,
// generalized from a single upgrade endpoint to the full per-device and
// system control surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ultrasonic/internal/dsp"
	"ultrasonic/internal/log"
	"ultrasonic/internal/manager"
	"ultrasonic/internal/pipeline"
)

// heartbeatInterval is how often an idle SSE stream gets a keep-alive
// comment event so intermediaries don't time out the connection.
const heartbeatInterval = 30 * time.Second

// Server wires a Manager onto an HTTP handler.
type Server struct {
	manager *manager.Manager
	router  *mux.Router
}

// New builds a Server with every route registered.
func New(mgr *manager.Manager) *Server {
	s := &Server{manager: mgr, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/status", s.handleSystemStatus).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/refresh", s.handleRefreshDevices).Methods(http.MethodPost)
	r.HandleFunc("/devices/batch-start", s.handleBatchStart).Methods(http.MethodPost)
	r.HandleFunc("/devices/batch-stop", s.handleBatchStop).Methods(http.MethodPost)
	r.HandleFunc("/system/stop-all", s.handleStopAll).Methods(http.MethodPost)
	r.HandleFunc("/system/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/performance", s.handlePerformance).Methods(http.MethodGet)

	r.HandleFunc("/devices/{stableId}/start", s.handleDeviceStart).Methods(http.MethodPost)
	r.HandleFunc("/devices/{stableId}/stop", s.handleDeviceStop).Methods(http.MethodPost)
	r.HandleFunc("/devices/{stableId}/restart", s.handleDeviceRestart).Methods(http.MethodPost)
	r.HandleFunc("/devices/{stableId}/status", s.handleDeviceStatus).Methods(http.MethodGet)
	r.HandleFunc("/devices/{stableId}/stream", s.handleDeviceStream).Methods(http.MethodGet)
	r.HandleFunc("/devices/{stableId}/stream-config", s.handleGetStreamConfig).Methods(http.MethodGet)
	r.HandleFunc("/devices/{stableId}/stream-config", s.handleSetStreamConfig).Methods(http.MethodPut)
	r.HandleFunc("/devices/{stableId}/audio-config", s.handleGetAudioConfig).Methods(http.MethodGet)
	r.HandleFunc("/devices/{stableId}/audio-config", s.handleSetAudioConfig).Methods(http.MethodPut)
	r.HandleFunc("/devices/{stableId}", s.handleDeviceRemove).Methods(http.MethodDelete)

	r.HandleFunc("/stream/start", s.handleLegacyStart).Methods(http.MethodPost)
	r.HandleFunc("/stream/stop", s.handleLegacyStop).Methods(http.MethodPost)
	r.HandleFunc("/stream/status", s.handleLegacyStatus).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleLegacyStream).Methods(http.MethodGet)
	r.HandleFunc("/stream/config", s.handleLegacySetStreamConfig).Methods(http.MethodPut)
	r.HandleFunc("/stream/fps", s.handleLegacySetFps).Methods(http.MethodPut)

	r.Handle("/metrics", promhttp.HandlerFor(s.manager.PromRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, stableID, op string, err error) {
	writeJSON(w, status, map[string]string{
		"error":     err.Error(),
		"stable_id": stableID,
		"operation": op,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.SystemStatus())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListDevices())
}

func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	descs, err := s.manager.RefreshDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "refresh-devices", err)
		return
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopAll(); err != nil {
		writeError(w, http.StatusInternalServerError, "", "stop-all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"removed": s.manager.Cleanup()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.SystemStatus())
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "batch-start", err)
		return
	}
	writeJSON(w, http.StatusOK, errMapToStrings(s.manager.BatchStart(req.IDs)))
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "batch-stop", err)
		return
	}
	writeJSON(w, http.StatusOK, errMapToStrings(s.manager.BatchStop(req.IDs)))
}

func errMapToStrings(in map[string]error) map[string]string {
	out := make(map[string]string, len(in))
	for id, err := range in {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "ok"
		}
	}
	return out
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	if err := s.manager.Start(id); err != nil {
		writeError(w, http.StatusConflict, id, "start", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	if err := s.manager.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, id, "stop", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	if err := s.manager.Restart(id); err != nil {
		writeError(w, http.StatusNotFound, id, "restart", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	st, err := s.manager.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, id, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	force := r.URL.Query().Get("force") == "true"
	if err := s.manager.Remove(id, force); err != nil {
		writeError(w, http.StatusConflict, id, "remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStreamConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	st, err := s.manager.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, id, "get-stream-config", err)
		return
	}
	writeJSON(w, http.StatusOK, st.StreamConfig)
}

func (s *Server) handleSetStreamConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
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

func (s *Server) handleGetAudioConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	st, err := s.manager.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, id, "get-audio-config", err)
		return
	}
	writeJSON(w, http.StatusOK, st.AudioConfig)
}

func (s *Server) handleSetAudioConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	var req audioConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-audio-config", err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, id, "set-audio-config", err)
		return
	}
	if err := s.manager.UpdateAudio(id, patch); err != nil {
		writeError(w, http.StatusBadRequest, id, "set-audio-config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStream upgrades to an SSE stream of WireFrames for one
// device: a connected event first, then one event per frame, with a
// heartbeat comment every heartbeatInterval to keep idle connections alive.
func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["stableId"]
	sub, err := s.manager.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, id, "stream", err)
		return
	}
	defer s.manager.Unsubscribe(id, sub.ID)

	serveSSE(w, r, id, sub.Frames())
}

type streamConfigRequest struct {
	TargetFps            *int     `json:"target_fps"`
	CompressionLevel     *int     `json:"compression_level"`
	MagnitudeThresholdDb *float64 `json:"magnitude_threshold_db"`
	ThresholdDb          *float64 `json:"threshold_db"`
	SimilarityThreshold  *float64 `json:"similarity_threshold"`
	EnableSmartSkip      *bool    `json:"enable_smart_skip"`
	EnableAdaptiveFps    *bool    `json:"enable_adaptive_fps"`
	MinAdaptiveFps       *int     `json:"min_adaptive_fps"`
	MaxAdaptiveFps       *int     `json:"max_adaptive_fps"`
	RestartIfNeeded      bool     `json:"restart_if_needed"`
}

func (req streamConfigRequest) toPatch() pipeline.StreamConfigPatch {
	return pipeline.StreamConfigPatch{
		TargetFps:            req.TargetFps,
		CompressionLevel:     req.CompressionLevel,
		MagnitudeThresholdDb: req.MagnitudeThresholdDb,
		ThresholdDb:          req.ThresholdDb,
		SimilarityThreshold:  req.SimilarityThreshold,
		EnableSmartSkip:      req.EnableSmartSkip,
		EnableAdaptiveFps:    req.EnableAdaptiveFps,
		MinAdaptiveFps:       req.MinAdaptiveFps,
		MaxAdaptiveFps:       req.MaxAdaptiveFps,
	}
}

type audioConfigRequest struct {
	SampleRate      *int     `json:"sample_rate"`
	FFTSize         *int     `json:"fft_size"`
	BlockSize       *int     `json:"block_size"`
	WindowKind      *string  `json:"window_kind"`
	OverlapFraction *float64 `json:"overlap_fraction"`
	DeviceNames     []string `json:"device_names"`
}

func (req audioConfigRequest) toPatch() (pipeline.AudioConfigPatch, error) {
	patch := pipeline.AudioConfigPatch{
		SampleRate:      req.SampleRate,
		FFTSize:         req.FFTSize,
		BlockSize:       req.BlockSize,
		OverlapFraction: req.OverlapFraction,
		DeviceNames:     req.DeviceNames,
	}
	if req.WindowKind != nil {
		kind, err := dsp.ParseWindowKind(*req.WindowKind)
		if err != nil {
			return patch, err
		}
		patch.WindowKind = &kind
	}
	return patch, nil
}

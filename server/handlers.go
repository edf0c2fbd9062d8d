package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rodan32/imgen/dispatch"
	"github.com/rodan32/imgen/errors"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorw("Failed to encode response", "error", err)
	}
}

// writeError maps error kinds onto HTTP status codes: bad requests and
// missing templates are the caller's fault, a fleet with no capable worker
// is a 503, everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsInvalidRequestError(err), errors.Is(err, errors.ErrNoTemplate):
		status = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrNoAvailableWorker):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req dispatch.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrapf(errors.ErrInvalidRequest, "decode body: %v", err))
		return
	}

	resp, err := s.svc.Generate(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrapf(errors.ErrInvalidRequest, "decode body: %v", err))
		return
	}

	resp, err := s.svc.GenerateBatch(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type generationResponse struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	Stage            int             `json:"stage"`
	BatchID          string          `json:"batch_id,omitempty"`
	BatchIndex       int             `json:"batch_index"`
	Prompt           string          `json:"prompt"`
	NegativePrompt   string          `json:"negative_prompt"`
	Status           dispatch.Status `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ImageURL         string          `json:"image_url"`
	ThumbnailURL     string          `json:"thumbnail_url"`
	WorkerID         string          `json:"gpu_id"`
	Seed             int64           `json:"seed"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	GenerationTimeMs int64           `json:"generation_time_ms"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toGenerationResponse(g *dispatch.Generation) generationResponse {
	var params json.RawMessage
	if g.Params != "" {
		params = json.RawMessage(g.Params)
	}
	return generationResponse{
		ID:               g.ID,
		SessionID:        g.SessionID,
		Stage:            g.Stage,
		BatchID:          g.BatchID,
		BatchIndex:       g.BatchIndex,
		Prompt:           g.Prompt,
		NegativePrompt:   g.NegativePrompt,
		Status:           g.Status,
		ErrorMessage:     g.ErrorMessage,
		ImageURL:         "/api/generate/" + g.ID + "/image",
		ThumbnailURL:     "/api/generate/" + g.ID + "/thumbnail",
		WorkerID:         g.WorkerID,
		Seed:             g.Seed,
		Parameters:       params,
		GenerationTimeMs: g.GenerationMs,
		CreatedAt:        g.CreatedAt,
	}
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Store().Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toGenerationResponse(g))
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Store().Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if g.ImagePath == "" {
		s.writeError(w, errors.Wrapf(errors.ErrNotFound, "generation %s has no image", g.ID))
		return
	}

	data, err := s.svc.Images().Load(g.ImagePath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := s.svc.Store().ListBySession(r.PathValue("id"), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]generationResponse, 0, len(gens))
	for _, g := range gens {
		out = append(out, toGenerationResponse(g))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type workerResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Tier           string   `json:"tier"`
	Healthy        bool     `json:"healthy"`
	QueueLength    int      `json:"queue_length"`
	Capabilities   []string `json:"capabilities"`
	VRAMGb         int      `json:"vram_gb"`
	ProbeLatencyMs int64    `json:"probe_latency_ms"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.All()
	out := make([]workerResponse, 0, len(nodes))
	for _, n := range nodes {
		caps := make([]string, 0, len(n.Capabilities))
		for c := range n.Capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		latency, _ := n.ProbeStats()
		out = append(out, workerResponse{
			ID:             n.ID,
			Name:           n.Name,
			Tier:           string(n.Tier),
			Healthy:        n.Healthy(),
			QueueLength:    n.QueueLength(),
			Capabilities:   caps,
			VRAMGb:         n.VRAMGB,
			ProbeLatencyMs: latency.Milliseconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWorkerModels(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.WorkerModels(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Templates())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := len(s.registry.Healthy())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"workers_total":   len(s.registry.All()),
		"workers_healthy": healthy,
	})
}

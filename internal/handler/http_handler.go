package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/internal/repository"
	"github.com/weiawesome/streamer-status/internal/service"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// HTTPHandler serves the public status API.
type HTTPHandler struct {
	service service.StatusService
}

func NewHTTPHandler(svc service.StatusService) *HTTPHandler {
	return &HTTPHandler{service: svc}
}

// RegisterRoutes mounts the API on r.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/streamers", h.ListStreamers).Methods(http.MethodGet)
	api.HandleFunc("/streamers/{id}", h.GetStreamer).Methods(http.MethodGet)
}

// StreamerResponse is the public view of a streamer.
type StreamerResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Avatar       *string           `json:"avatar"`
	Handles      map[string]string `json:"handles"`
	IsLive       bool              `json:"isLive"`
	LiveOn       []string          `json:"liveOn"`
	LivePlatform *string           `json:"livePlatform"`
	ViewerCount  int               `json:"viewerCount"`
	Category     *string           `json:"category"`
	Title        *string           `json:"title"`
}

func toResponse(s *domain.Streamer) StreamerResponse {
	resp := StreamerResponse{
		ID:          s.ID,
		Name:        s.Name,
		Avatar:      s.AvatarURL,
		Handles:     make(map[string]string, len(s.Handles)),
		IsLive:      s.Status.IsLive,
		LiveOn:      make([]string, 0, len(s.Status.LiveOn)),
		ViewerCount: s.Status.ViewerCount,
		Category:    s.Status.Category,
		Title:       s.Status.Title,
	}
	for p, handle := range s.Handles {
		if handle != "" {
			resp.Handles[string(p)] = handle
		}
	}
	for _, p := range s.Status.LiveOn {
		resp.LiveOn = append(resp.LiveOn, string(p))
	}
	if s.Status.LivePlatform != nil {
		p := string(*s.Status.LivePlatform)
		resp.LivePlatform = &p
	}
	return resp
}

// ListStreamers handles GET /api/v1/streamers
func (h *HTTPHandler) ListStreamers(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	streamers, err := h.service.ListStreamers(r.Context())
	if err != nil {
		l.Error().Err(err).Msg("failed to list streamers")
		writeError(w, http.StatusInternalServerError, "failed to list streamers")
		return
	}

	out := make([]StreamerResponse, 0, len(streamers))
	for _, s := range streamers {
		out = append(out, toResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamers": out, "total": len(out)})
}

// GetStreamer handles GET /api/v1/streamers/{id}
func (h *HTTPHandler) GetStreamer(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())
	id := mux.Vars(r)["id"]

	s, err := h.service.GetStreamer(r.Context(), id)
	if errors.Is(err, repository.ErrStreamerNotFound) {
		writeError(w, http.StatusNotFound, "streamer not found")
		return
	}
	if err != nil {
		l.Error().Err(err).Str(log.FieldStreamerID, id).Msg("failed to get streamer")
		writeError(w, http.StatusInternalServerError, "failed to get streamer")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(s))
}

// HealthCheck handles GET /health
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.service.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

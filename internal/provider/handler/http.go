package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/dispatch"
	"github.com/example/fixly/internal/provider"
)

// HTTP exposes provider onboarding, availability and discovery endpoints.
type HTTP struct {
	svc    *provider.Service
	engine *dispatch.Engine
}

func NewHTTP(svc *provider.Service, engine *dispatch.Engine) *HTTP {
	return &HTTP{svc: svc, engine: engine}
}

// Mount registers the provider routes on an existing router.
func (h *HTTP) Mount(r chi.Router) {
	r.Post("/v1/providers", h.onboard)
	r.Get("/v1/providers/search", h.search)
	r.Get("/v1/providers/{id}", h.getProvider)
	r.Post("/v1/providers/{userID}/availability", h.setAvailability)
	r.Post("/v1/providers/{userID}/location", h.heartbeat)
}

type onboardRequest struct {
	UserID    string   `json:"user_id"`
	Name      string   `json:"name"`
	SkillTags []string `json:"skill_tags"`
	Address   string   `json:"address"`
}

func (h *HTTP) onboard(w http.ResponseWriter, r *http.Request) {
	var payload onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	if len(payload.SkillTags) == 0 {
		http.Error(w, "skill_tags is required", http.StatusBadRequest)
		return
	}
	created, err := h.svc.Onboard(r.Context(), provider.OnboardRequest{
		UserID:    userID,
		Name:      payload.Name,
		SkillTags: payload.SkillTags,
		Address:   payload.Address,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTP) getProvider(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	found, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *HTTP) setAvailability(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid userID", http.StatusBadRequest)
		return
	}
	var payload struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.SetAvailability(r.Context(), userID, payload.Online); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": payload.Online})
}

type heartbeatRequest struct {
	Location domain.GeoPoint `json:"location"`
	Address  string          `json:"address"`
}

func (h *HTTP) heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid userID", http.StatusBadRequest)
		return
	}
	var payload heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.Heartbeat(r.Context(), userID, payload.Location, payload.Address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// search runs a read-only radius query; nobody gets notified.
func (h *HTTP) search(w http.ResponseWriter, r *http.Request) {
	serviceType := r.URL.Query().Get("service_type")
	if serviceType == "" {
		http.Error(w, "service_type is required", http.StatusBadRequest)
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := 0.0
	if raw := r.URL.Query().Get("radius_km"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
		radius = parsed
	}
	candidates, err := h.engine.SearchCandidates(r.Context(), serviceType, domain.GeoPoint{Lat: lat, Lng: lng}, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates, "count": len(candidates)})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

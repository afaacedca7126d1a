package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/booking/service"
)

// HTTP exposes booking endpoints.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	h.Mount(r)
	return r
}

// Mount registers the booking routes on an existing router.
func (h *HTTP) Mount(r chi.Router) {
	r.Post("/v1/bookings", h.createBooking)
	r.Get("/v1/bookings", h.listBookings)
	r.Get("/v1/bookings/{id}", h.getBooking)
	r.Post("/v1/bookings/{id}/accept", h.acceptBooking)
	r.Post("/v1/bookings/{id}/start", h.startBooking)
	r.Post("/v1/bookings/{id}/complete", h.completeBooking)
	r.Post("/v1/bookings/{id}/cancel", h.cancelBooking)
}

type createBookingRequest struct {
	CustomerID     string          `json:"customer_id"`
	ServiceType    string          `json:"service_type"`
	Location       domain.GeoPoint `json:"location"`
	Address        string          `json:"address"`
	PriceEstimated int64           `json:"price_estimated_cents"`
	ProviderID     string          `json:"provider_id,omitempty"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	var payload createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	customerID, err := uuid.Parse(payload.CustomerID)
	if err != nil {
		http.Error(w, "invalid customer_id", http.StatusBadRequest)
		return
	}
	if payload.ServiceType == "" {
		http.Error(w, "service_type is required", http.StatusBadRequest)
		return
	}
	req := service.CreateBookingRequest{
		CustomerID:     customerID,
		ServiceType:    payload.ServiceType,
		Location:       payload.Location,
		Address:        payload.Address,
		PriceEstimated: payload.PriceEstimated,
	}
	if payload.ProviderID != "" {
		providerID, err := uuid.Parse(payload.ProviderID)
		if err != nil {
			http.Error(w, "invalid provider_id", http.StatusBadRequest)
			return
		}
		req.ProviderID = &providerID
	}

	resp, err := h.svc.CreateBooking(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTP) listBookings(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid customer_id", http.StatusBadRequest)
			return
		}
		bookings, err := h.svc.ListCustomerBookings(r.Context(), customerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bookings)
		return
	}
	if raw := r.URL.Query().Get("provider_user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid provider_user_id", http.StatusBadRequest)
			return
		}
		bookings, err := h.svc.ListProviderBookings(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bookings)
		return
	}
	http.Error(w, "customer_id or provider_user_id is required", http.StatusBadRequest)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) acceptBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload struct {
		ProviderUserID string `json:"provider_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(payload.ProviderUserID)
	if err != nil {
		http.Error(w, "invalid provider_user_id", http.StatusBadRequest)
		return
	}
	booking, err := h.svc.Accept(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) startBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload struct {
		Otp string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booking, err := h.svc.VerifyStartOtp(r.Context(), id, payload.Otp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) completeBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload struct {
		Otp        string `json:"otp"`
		PriceFinal int64  `json:"price_final_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booking, err := h.svc.VerifyEndOtp(r.Context(), id, payload.Otp, payload.PriceFinal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	booking, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// writeError maps domain sentinels to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicateReview):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrOtpMismatch):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrOtpExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, domain.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

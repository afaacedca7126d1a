package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/rating"
)

// HTTP exposes the review endpoints.
type HTTP struct {
	ledger *rating.Ledger
}

func NewHTTP(ledger *rating.Ledger) *HTTP {
	return &HTTP{ledger: ledger}
}

// Mount registers the review routes on an existing router.
func (h *HTTP) Mount(r chi.Router) {
	r.Post("/v1/reviews", h.createReview)
	r.Get("/v1/providers/{id}/reviews", h.listReviews)
}

type createReviewRequest struct {
	BookingID  string `json:"booking_id"`
	CustomerID string `json:"customer_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

func (h *HTTP) createReview(w http.ResponseWriter, r *http.Request) {
	var payload createReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(payload.BookingID)
	if err != nil {
		http.Error(w, "invalid booking_id", http.StatusBadRequest)
		return
	}
	customerID, err := uuid.Parse(payload.CustomerID)
	if err != nil {
		http.Error(w, "invalid customer_id", http.StatusBadRequest)
		return
	}
	review, err := h.ledger.RecordReview(r.Context(), rating.RecordReviewRequest{
		BookingID:  bookingID,
		CustomerID: customerID,
		Rating:     payload.Rating,
		Comment:    payload.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (h *HTTP) listReviews(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	reviews, err := h.ledger.ProviderReviews(r.Context(), providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rating.ErrRatingOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrDuplicateReview):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
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

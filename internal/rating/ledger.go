// Package rating records customer reviews of completed bookings and keeps
// each provider's aggregate rating current.
package rating

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/booking/domain"
)

// Ledger validates and stores reviews. Every accepted review recomputes the
// provider's mean rating from the full review history, so the aggregate never
// drifts from the ledger.
type Ledger struct {
	reviews   domain.ReviewRepository
	bookings  domain.BookingRepository
	providers domain.ProviderRepository
	logger    *zap.Logger
	clock     domain.Clock
}

func NewLedger(reviews domain.ReviewRepository, bookings domain.BookingRepository, providers domain.ProviderRepository, logger *zap.Logger, clock domain.Clock) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Ledger{reviews: reviews, bookings: bookings, providers: providers, logger: logger, clock: clock}
}

// RecordReviewRequest is the review submission payload.
type RecordReviewRequest struct {
	BookingID  uuid.UUID
	CustomerID uuid.UUID
	Rating     int
	Comment    string
}

// ErrRatingOutOfRange rejects ratings outside 1..5.
var ErrRatingOutOfRange = fmt.Errorf("rating must be between 1 and 5")

// RecordReview stores one review for a completed booking and refreshes the
// provider's aggregate. Only the booking's customer may review, only once,
// and only after completion.
func (l *Ledger) RecordReview(ctx context.Context, req RecordReviewRequest) (domain.Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return domain.Review{}, ErrRatingOutOfRange
	}
	booking, err := l.bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return domain.Review{}, err
	}
	if booking.CustomerID != req.CustomerID {
		return domain.Review{}, domain.ErrNotAuthorized
	}
	if booking.Status != domain.StatusCompleted || booking.ProviderID == nil {
		return domain.Review{}, domain.ErrInvalidTransition
	}

	review := domain.Review{
		ID:         uuid.New(),
		BookingID:  booking.ID,
		CustomerID: req.CustomerID,
		ProviderID: *booking.ProviderID,
		Rating:     req.Rating,
		Comment:    req.Comment,
		CreatedAt:  l.clock.Now(),
	}
	created, err := l.reviews.CreateReview(ctx, review)
	if err != nil {
		return domain.Review{}, err
	}

	if err := l.refreshAggregate(ctx, review.ProviderID); err != nil {
		// the review is stored; the aggregate catches up on the next one
		l.logger.Warn("refresh provider rating",
			zap.String("provider_id", review.ProviderID.String()),
			zap.Error(err))
	}
	return created, nil
}

// ProviderReviews lists a provider's reviews, newest first.
func (l *Ledger) ProviderReviews(ctx context.Context, providerID uuid.UUID) ([]domain.Review, error) {
	return l.reviews.ListByProvider(ctx, providerID)
}

func (l *Ledger) refreshAggregate(ctx context.Context, providerID uuid.UUID) error {
	reviews, err := l.reviews.ListByProvider(ctx, providerID)
	if err != nil {
		return err
	}
	return l.providers.SetRating(ctx, providerID, AggregateRating(reviews))
}

// AggregateRating is the mean of all review ratings rounded to two decimals,
// or DefaultRating when there are none.
func AggregateRating(reviews []domain.Review) float64 {
	if len(reviews) == 0 {
		return domain.DefaultRating
	}
	var sum int
	for _, review := range reviews {
		sum += review.Rating
	}
	mean := float64(sum) / float64(len(reviews))
	return math.Round(mean*100) / 100
}

package rating_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/booking/repository"
	"github.com/example/fixly/internal/rating"
)

type ledgerFixture struct {
	ledger    *rating.Ledger
	bookings  *repository.MemoryBookingRepository
	providers *repository.MemoryProviderRepository
	provider  domain.Provider
	customer  uuid.UUID
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	bookings := repository.NewMemoryBookingRepository()
	providers := repository.NewMemoryProviderRepository()
	reviews := repository.NewMemoryReviewRepository()

	provider, err := providers.CreateProvider(context.Background(), domain.Provider{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Name:   "Asha",
		Rating: domain.DefaultRating,
	})
	require.NoError(t, err)

	return &ledgerFixture{
		ledger:    rating.NewLedger(reviews, bookings, providers, nil, nil),
		bookings:  bookings,
		providers: providers,
		provider:  provider,
		customer:  uuid.New(),
	}
}

// completedBooking drives a booking through the full lifecycle so reviews
// target a legitimately completed job.
func (f *ledgerFixture) completedBooking(t *testing.T) domain.Booking {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	booking, err := f.bookings.CreateBooking(ctx, domain.Booking{
		ID:          uuid.New(),
		CustomerID:  f.customer,
		ServiceType: "plumber",
		Status:      domain.StatusPending,
		CreatedAt:   now,
	})
	require.NoError(t, err)
	_, err = f.bookings.AcceptBooking(ctx, booking.ID, f.provider.ID, "1111", now)
	require.NoError(t, err)
	_, err = f.bookings.StartBooking(ctx, booking.ID, "2222", now)
	require.NoError(t, err)
	completed, err := f.bookings.CompleteBooking(ctx, booking.ID, 50000, now)
	require.NoError(t, err)
	return completed
}

func TestRecordReviewUpdatesAggregate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	first := f.completedBooking(t)
	second := f.completedBooking(t)

	_, err := f.ledger.RecordReview(ctx, rating.RecordReviewRequest{
		BookingID: first.ID, CustomerID: f.customer, Rating: 5, Comment: "fixed the leak fast",
	})
	require.NoError(t, err)

	got, err := f.providers.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Equal(t, 5.0, got.Rating)

	_, err = f.ledger.RecordReview(ctx, rating.RecordReviewRequest{
		BookingID: second.ID, CustomerID: f.customer, Rating: 4,
	})
	require.NoError(t, err)

	got, err = f.providers.GetProvider(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Equal(t, 4.5, got.Rating)
}

func TestAggregateRoundsToTwoDecimals(t *testing.T) {
	reviews := []domain.Review{{Rating: 5}, {Rating: 4}, {Rating: 4}}
	require.Equal(t, 4.33, rating.AggregateRating(reviews))

	require.Equal(t, domain.DefaultRating, rating.AggregateRating(nil))
}

func TestRecordReviewRejectsDuplicate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	booking := f.completedBooking(t)

	req := rating.RecordReviewRequest{BookingID: booking.ID, CustomerID: f.customer, Rating: 4}
	_, err := f.ledger.RecordReview(ctx, req)
	require.NoError(t, err)

	_, err = f.ledger.RecordReview(ctx, req)
	require.ErrorIs(t, err, domain.ErrDuplicateReview)
}

func TestRecordReviewRejectsWrongCustomer(t *testing.T) {
	f := newLedgerFixture(t)
	booking := f.completedBooking(t)

	_, err := f.ledger.RecordReview(context.Background(), rating.RecordReviewRequest{
		BookingID: booking.ID, CustomerID: uuid.New(), Rating: 4,
	})
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestRecordReviewRejectsIncompleteBooking(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	pending, err := f.bookings.CreateBooking(ctx, domain.Booking{
		ID:         uuid.New(),
		CustomerID: f.customer,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = f.ledger.RecordReview(ctx, rating.RecordReviewRequest{
		BookingID: pending.ID, CustomerID: f.customer, Rating: 4,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRecordReviewValidatesRatingRange(t *testing.T) {
	f := newLedgerFixture(t)
	booking := f.completedBooking(t)

	for _, bad := range []int{0, 6, -1} {
		_, err := f.ledger.RecordReview(context.Background(), rating.RecordReviewRequest{
			BookingID: booking.ID, CustomerID: f.customer, Rating: bad,
		})
		require.ErrorIs(t, err, rating.ErrRatingOutOfRange)
	}
}

func TestRecordReviewUnknownBooking(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.ledger.RecordReview(context.Background(), rating.RecordReviewRequest{
		BookingID: uuid.New(), CustomerID: f.customer, Rating: 4,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

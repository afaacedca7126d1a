package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/booking/otp"
	"github.com/example/fixly/internal/booking/repository"
	"github.com/example/fixly/internal/booking/service"
)

type stubDispatcher struct {
	mu         sync.Mutex
	dispatched []uuid.UUID
	direct     []uuid.UUID
	result     domain.DispatchResult
	err        error
}

func (d *stubDispatcher) Dispatch(_ context.Context, booking domain.Booking) (domain.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, booking.ID)
	return d.result, d.err
}

func (d *stubDispatcher) NotifyDirect(_ context.Context, booking domain.Booking, _ uuid.UUID) (domain.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direct = append(d.direct, booking.ID)
	return d.result, d.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.BookingEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.BookingEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc        *service.Service
	bookings   *repository.MemoryBookingRepository
	providers  *repository.MemoryProviderRepository
	dispatcher *stubDispatcher
	publisher  *recordingPublisher
	codes      otp.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bookings := repository.NewMemoryBookingRepository()
	providers := repository.NewMemoryProviderRepository()
	dispatcher := &stubDispatcher{result: domain.DispatchResult{Dispatched: true}}
	publisher := &recordingPublisher{}
	codes := otp.NewMemoryStore(time.Hour, nil)
	svc := service.New(bookings, providers, dispatcher, codes, publisher, nil)
	return &fixture{svc: svc, bookings: bookings, providers: providers, dispatcher: dispatcher, publisher: publisher, codes: codes}
}

func (f *fixture) addProvider(t *testing.T) domain.Provider {
	t.Helper()
	provider := domain.Provider{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Name:   "Asha",
		Rating: domain.DefaultRating,
	}
	created, err := f.providers.CreateProvider(context.Background(), provider)
	require.NoError(t, err)
	return created
}

func TestCreateBookingDefaultsEstimateAndDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
		Location:    domain.GeoPoint{Lat: 26.2183, Lng: 78.1828},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, resp.Booking.Status)
	require.Equal(t, service.DefaultPriceEstimate, resp.Booking.PriceEstimated)
	require.True(t, resp.Dispatch.Dispatched)
	require.Len(t, f.dispatcher.dispatched, 1)
	require.Empty(t, f.dispatcher.direct)
	require.Equal(t, []domain.BookingEventType{domain.EventBookingCreated}, f.publisher.types())
}

func TestCreateBookingWithPreselectedProviderGoesDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
		ProviderID:  &provider.UserID,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Booking.ProviderID)
	require.Equal(t, provider.ID, *resp.Booking.ProviderID)
	require.Len(t, f.dispatcher.direct, 1)
	require.Empty(t, f.dispatcher.dispatched)
}

func TestCreateBookingUnknownPreselectedProvider(t *testing.T) {
	f := newFixture(t)
	unknown := uuid.New()

	_, err := f.svc.CreateBooking(context.Background(), service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
		ProviderID:  &unknown,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcceptIssuesStartOtpAndTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)

	accepted, err := f.svc.Accept(ctx, resp.Booking.ID, provider.UserID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ProviderID)
	require.Equal(t, provider.ID, *accepted.ProviderID)
	require.Len(t, accepted.StartOtp, otp.CodeLength)

	// the stored code matches what the repository holds
	require.NoError(t, f.codes.Verify(ctx, resp.Booking.ID, otp.PhaseStart, accepted.StartOtp))
}

func TestAcceptRejectsWrongProviderOnPreselectedBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chosen := f.addProvider(t)
	other := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
		ProviderID:  &chosen.UserID,
	})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, resp.Booking.ID, other.UserID)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	accepted, err := f.svc.Accept(ctx, resp.Booking.ID, chosen.UserID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)
}

func TestConcurrentAcceptsHaveExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)

	const contenders = 16
	users := make([]uuid.UUID, contenders)
	for i := range users {
		p := f.addProvider(t)
		users[i] = p.UserID
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(ctx, resp.Booking.ID, users[i])
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	require.Equal(t, 1, winners)

	booking, err := f.svc.GetBooking(ctx, resp.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, booking.Status)
}

func TestOtpFlowStartAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:     uuid.New(),
		ServiceType:    "plumber",
		PriceEstimated: 60000,
	})
	require.NoError(t, err)
	id := resp.Booking.ID

	accepted, err := f.svc.Accept(ctx, id, provider.UserID)
	require.NoError(t, err)

	// wrong code leaves the booking ACCEPTED
	_, err = f.svc.VerifyStartOtp(ctx, id, wrongCode(accepted.StartOtp))
	require.ErrorIs(t, err, domain.ErrOtpMismatch)

	started, err := f.svc.VerifyStartOtp(ctx, id, accepted.StartOtp)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, started.Status)
	require.NotEqual(t, accepted.StartOtp, started.EndOtp)

	// replaying the consumed start code hits the status gate, not the store
	_, err = f.svc.VerifyStartOtp(ctx, id, accepted.StartOtp)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	completed, err := f.svc.VerifyEndOtp(ctx, id, started.EndOtp, 75000)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, completed.Status)
	require.Equal(t, int64(75000), completed.PriceFinal)

	got, err := f.providers.GetProvider(ctx, provider.ID)
	require.NoError(t, err)
	require.Equal(t, int64(75000), got.Balance)

	require.Equal(t, []domain.BookingEventType{
		domain.EventBookingCreated,
		domain.EventBookingAccepted,
		domain.EventBookingStarted,
		domain.EventBookingCompleted,
	}, f.publisher.types())
}

func TestVerifyEndOtpWithoutFinalPriceCreditsEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:     uuid.New(),
		ServiceType:    "electrician",
		PriceEstimated: 42000,
	})
	require.NoError(t, err)
	id := resp.Booking.ID

	accepted, err := f.svc.Accept(ctx, id, provider.UserID)
	require.NoError(t, err)
	started, err := f.svc.VerifyStartOtp(ctx, id, accepted.StartOtp)
	require.NoError(t, err)

	completed, err := f.svc.VerifyEndOtp(ctx, id, started.EndOtp, 0)
	require.NoError(t, err)
	require.Equal(t, int64(42000), completed.SettlementPrice())

	got, err := f.providers.GetProvider(ctx, provider.ID)
	require.NoError(t, err)
	require.Equal(t, int64(42000), got.Balance)
}

func TestCompletedBalancesSumAcrossBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	var want int64
	for _, price := range []int64{30000, 45000, 52500} {
		resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
			CustomerID:     uuid.New(),
			ServiceType:    "plumber",
			PriceEstimated: price,
		})
		require.NoError(t, err)
		accepted, err := f.svc.Accept(ctx, resp.Booking.ID, provider.UserID)
		require.NoError(t, err)
		started, err := f.svc.VerifyStartOtp(ctx, resp.Booking.ID, accepted.StartOtp)
		require.NoError(t, err)
		_, err = f.svc.VerifyEndOtp(ctx, resp.Booking.ID, started.EndOtp, 0)
		require.NoError(t, err)
		want += price
	}

	got, err := f.providers.GetProvider(ctx, provider.ID)
	require.NoError(t, err)
	require.Equal(t, want, got.Balance)
}

func TestVerifyStartOtpOnPendingBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)

	_, err = f.svc.VerifyStartOtp(ctx, resp.Booking.ID, "1234")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelAllowedOnlyBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	pending, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, pending.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)

	other, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)
	accepted, err := f.svc.Accept(ctx, other.Booking.ID, provider.UserID)
	require.NoError(t, err)
	started, err := f.svc.VerifyStartOtp(ctx, other.Booking.ID, accepted.StartOtp)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, started.Status)

	// an in-progress job cannot be cancelled
	_, err = f.svc.Cancel(ctx, other.Booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDispatchErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("notifier down")

	_, err := f.svc.CreateBooking(context.Background(), service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.Error(t, err)
}

func TestListProviderBookingsResolvesUserIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := f.addProvider(t)

	resp, err := f.svc.CreateBooking(ctx, service.CreateBookingRequest{
		CustomerID:  uuid.New(),
		ServiceType: "plumber",
	})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, resp.Booking.ID, provider.UserID)
	require.NoError(t, err)

	bookings, err := f.svc.ListProviderBookings(ctx, provider.UserID)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	require.Equal(t, resp.Booking.ID, bookings[0].ID)
}

// wrongCode returns a four digit code different from the given one.
func wrongCode(code string) string {
	if code == "0000" {
		return "0001"
	}
	return "0000"
}

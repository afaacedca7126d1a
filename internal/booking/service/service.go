// Package service owns the booking lifecycle: creation, dispatch hand-off,
// the OTP-gated accept/start/complete transitions and cancellation.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/booking/otp"
)

// DefaultPriceEstimate is applied when the caller supplies no estimate.
const DefaultPriceEstimate int64 = 50000

// Dispatcher hands a pending booking to the candidate fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, booking domain.Booking) (domain.DispatchResult, error)
	NotifyDirect(ctx context.Context, booking domain.Booking, providerID uuid.UUID) (domain.DispatchResult, error)
}

// Service coordinates booking operations between handlers, repositories and
// the dispatch engine.
type Service struct {
	bookings   domain.BookingRepository
	providers  domain.ProviderRepository
	dispatcher Dispatcher
	codes      otp.Store
	events     domain.EventPublisher
	clock      domain.Clock
}

// New constructs a Service with the required collaborators.
func New(bookings domain.BookingRepository, providers domain.ProviderRepository, dispatcher Dispatcher, codes otp.Store, events domain.EventPublisher, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{bookings: bookings, providers: providers, dispatcher: dispatcher, codes: codes, events: events, clock: clock}
}

// CreateBookingRequest carries the booking creation payload. ProviderID, when
// set, pre-selects a provider by user identity; the booking still stays
// PENDING until that provider accepts.
type CreateBookingRequest struct {
	CustomerID     uuid.UUID
	ServiceType    string
	Location       domain.GeoPoint
	Address        string
	PriceEstimated int64
	ProviderID     *uuid.UUID
}

// CreateBookingResponse returns the stored booking and the dispatch outcome.
type CreateBookingResponse struct {
	Booking  domain.Booking        `json:"booking"`
	Dispatch domain.DispatchResult `json:"dispatch"`
}

// CreateBooking stores a PENDING booking and fans it out: broadcast through
// the dispatch engine, or a validated direct notification when a provider
// was pre-selected.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest) (CreateBookingResponse, error) {
	price := req.PriceEstimated
	if price <= 0 {
		price = DefaultPriceEstimate
	}
	booking := domain.Booking{
		ID:             uuid.New(),
		CustomerID:     req.CustomerID,
		ServiceType:    req.ServiceType,
		Location:       req.Location,
		Address:        req.Address,
		Status:         domain.StatusPending,
		PriceEstimated: price,
		CreatedAt:      s.clock.Now(),
	}
	if req.ProviderID != nil {
		provider, err := s.providers.GetProviderByUserID(ctx, *req.ProviderID)
		if err != nil {
			return CreateBookingResponse{}, fmt.Errorf("resolve preselected provider: %w", err)
		}
		entityID := provider.ID
		booking.ProviderID = &entityID
	}

	created, err := s.bookings.CreateBooking(ctx, booking)
	if err != nil {
		return CreateBookingResponse{}, fmt.Errorf("create booking: %w", err)
	}
	s.publish(ctx, created, domain.EventBookingCreated, map[string]any{
		"customer_id":  created.CustomerID.String(),
		"service_type": created.ServiceType,
	})

	var result domain.DispatchResult
	if req.ProviderID != nil {
		result, err = s.dispatcher.NotifyDirect(ctx, created, *req.ProviderID)
	} else {
		result, err = s.dispatcher.Dispatch(ctx, created)
	}
	if err != nil {
		return CreateBookingResponse{}, fmt.Errorf("dispatch booking: %w", err)
	}
	return CreateBookingResponse{Booking: created, Dispatch: result}, nil
}

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.bookings.GetBooking(ctx, id)
}

// ListCustomerBookings returns the customer's booking history, newest first.
func (s *Service) ListCustomerBookings(ctx context.Context, customerID uuid.UUID) ([]domain.Booking, error) {
	return s.bookings.ListByCustomer(ctx, customerID)
}

// ListProviderBookings returns bookings assigned to the provider user.
func (s *Service) ListProviderBookings(ctx context.Context, providerUserID uuid.UUID) ([]domain.Booking, error) {
	provider, err := s.providers.GetProviderByUserID(ctx, providerUserID)
	if err != nil {
		return nil, err
	}
	return s.bookings.ListByProvider(ctx, provider.ID)
}

// Accept assigns the booking to the accepting provider. The transition is an
// atomic PENDING check inside the repository: when several notified
// providers race, exactly one wins and the rest get ErrInvalidTransition. A
// fresh start OTP is issued to gate the next transition.
func (s *Service) Accept(ctx context.Context, bookingID, providerUserID uuid.UUID) (domain.Booking, error) {
	provider, err := s.providers.GetProviderByUserID(ctx, providerUserID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("resolve provider: %w", err)
	}

	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.ProviderID != nil && *booking.ProviderID != provider.ID {
		// a pre-selected booking can only be accepted by its provider
		return domain.Booking{}, domain.ErrNotAuthorized
	}

	code, err := otp.Generate()
	if err != nil {
		return domain.Booking{}, err
	}
	accepted, err := s.bookings.AcceptBooking(ctx, bookingID, provider.ID, code, s.clock.Now())
	if err != nil {
		return domain.Booking{}, err
	}
	if err := s.codes.Put(ctx, bookingID, otp.PhaseStart, code); err != nil {
		return domain.Booking{}, fmt.Errorf("store start otp: %w", err)
	}
	s.publish(ctx, accepted, domain.EventBookingAccepted, map[string]any{
		"provider_id": provider.ID.String(),
		"start_otp":   code,
	})
	return accepted, nil
}

// VerifyStartOtp consumes the start code and moves the booking into
// IN_PROGRESS, issuing the end code. The end code is always distinct from
// the start code it replaces.
func (s *Service) VerifyStartOtp(ctx context.Context, bookingID uuid.UUID, code string) (domain.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.Status != domain.StatusAccepted {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	if err := s.codes.Verify(ctx, bookingID, otp.PhaseStart, code); err != nil {
		return domain.Booking{}, err
	}

	endCode, err := otp.GenerateDistinct(code)
	if err != nil {
		return domain.Booking{}, err
	}
	started, err := s.bookings.StartBooking(ctx, bookingID, endCode, s.clock.Now())
	if err != nil {
		return domain.Booking{}, err
	}
	if err := s.codes.Put(ctx, bookingID, otp.PhaseEnd, endCode); err != nil {
		return domain.Booking{}, fmt.Errorf("store end otp: %w", err)
	}
	s.publish(ctx, started, domain.EventBookingStarted, map[string]any{
		"end_otp": endCode,
	})
	return started, nil
}

// VerifyEndOtp consumes the end code, completes the booking and atomically
// credits the provider's balance with the final price (estimated price when
// no final price was agreed).
func (s *Service) VerifyEndOtp(ctx context.Context, bookingID uuid.UUID, code string, finalPrice int64) (domain.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.Status != domain.StatusInProgress {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	if err := s.codes.Verify(ctx, bookingID, otp.PhaseEnd, code); err != nil {
		return domain.Booking{}, err
	}

	completed, err := s.bookings.CompleteBooking(ctx, bookingID, finalPrice, s.clock.Now())
	if err != nil {
		return domain.Booking{}, err
	}
	if completed.ProviderID != nil {
		if err := s.providers.CreditBalance(ctx, *completed.ProviderID, completed.SettlementPrice()); err != nil {
			return domain.Booking{}, fmt.Errorf("credit balance: %w", err)
		}
	}
	s.publish(ctx, completed, domain.EventBookingCompleted, map[string]any{
		"price_cents": completed.SettlementPrice(),
	})
	return completed, nil
}

// Cancel aborts a booking from PENDING or ACCEPTED. OTPs and balances are
// untouched.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	cancelled, err := s.bookings.CancelBooking(ctx, bookingID, s.clock.Now())
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, cancelled, domain.EventBookingCancelled, nil)
	return cancelled, nil
}

func (s *Service) publish(ctx context.Context, booking domain.Booking, eventType domain.BookingEventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, domain.BookingEvent{
		BookingID: booking.ID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
}

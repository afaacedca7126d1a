package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "PENDING"
	StatusAccepted   BookingStatus = "ACCEPTED"
	StatusInProgress BookingStatus = "IN_PROGRESS"
	StatusCompleted  BookingStatus = "COMPLETED"
	StatusCancelled  BookingStatus = "CANCELLED"
)

// Sentinel errors surfaced to callers. Handlers map them to HTTP statuses.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrOtpMismatch       = errors.New("otp does not match")
	ErrOtpExpired        = errors.New("otp expired")
	ErrDuplicateReview   = errors.New("booking already reviewed")
	ErrNotAuthorized     = errors.New("actor does not own this resource")
	ErrConflict          = errors.New("identity already exists")
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransitionTo reports whether next is a legal successor of s. COMPLETED
// and CANCELLED are terminal.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Booking is the durable record driven through the state machine. The OTP
// fields hold the currently active code for the next transition and are
// cleared when that code is consumed.
type Booking struct {
	ID             uuid.UUID     `json:"id"`
	CustomerID     uuid.UUID     `json:"customer_id"`
	ProviderID     *uuid.UUID    `json:"provider_id,omitempty"`
	ServiceType    string        `json:"service_type"`
	Location       GeoPoint      `json:"location"`
	Address        string        `json:"address,omitempty"`
	Status         BookingStatus `json:"status"`
	PriceEstimated int64         `json:"price_estimated_cents"`
	PriceFinal     int64         `json:"price_final_cents,omitempty"`
	StartOtp       string        `json:"-"`
	EndOtp         string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	Version        int64         `json:"-"`
}

// SettlementPrice is the amount credited to the provider on completion.
func (b Booking) SettlementPrice() int64 {
	if b.PriceFinal > 0 {
		return b.PriceFinal
	}
	return b.PriceEstimated
}

// Provider is the durable provider record. Presence (live location, online
// flag with staleness) lives in the presence store; the fields here are the
// last persisted values.
type Provider struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	SkillTags []string  `json:"skill_tags"`
	Online    bool      `json:"online"`
	Location  *GeoPoint `json:"location,omitempty"`
	Address   string    `json:"address,omitempty"`
	Rating    float64   `json:"rating"`
	Balance   int64     `json:"balance_cents"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultRating applies until a provider has at least one review.
const DefaultRating = 5.0

// Review is one customer rating of a completed booking.
type Review struct {
	ID         uuid.UUID `json:"id"`
	BookingID  uuid.UUID `json:"booking_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Candidate is the transient projection produced by a radius query, keyed by
// the provider's user identity (the id connected clients are addressed by).
type Candidate struct {
	ProviderID uuid.UUID `json:"provider_id"`
	DistanceKM float64   `json:"distance_km"`
	Location   GeoPoint  `json:"location"`
	Name       string    `json:"name,omitempty"`
	EntityID   uuid.UUID `json:"provider_entity_id,omitempty"`
	SkillTags  []string  `json:"skill_tags,omitempty"`
	Rating     float64   `json:"rating,omitempty"`
	ETASeconds float64   `json:"eta_seconds,omitempty"`
}

// ReasonNoProviders marks the empty-candidate dispatch outcome. It is a
// normal result variant, not an error: the booking stays PENDING.
const ReasonNoProviders = "NO_PROVIDERS_FOUND"

type DispatchResult struct {
	Dispatched bool        `json:"dispatched"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type BookingEventType string

const (
	EventBookingCreated   BookingEventType = "BookingCreated"
	EventBookingAccepted  BookingEventType = "BookingAccepted"
	EventBookingStarted   BookingEventType = "BookingStarted"
	EventBookingCompleted BookingEventType = "BookingCompleted"
	EventBookingCancelled BookingEventType = "BookingCancelled"
)

type BookingEvent struct {
	ID        int64            `json:"id,omitempty"`
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// BookingRepository is the durable store contract. The guarded mutations are
// atomic conditional transitions: they succeed only when the stored status
// matches the expected precondition and otherwise return
// ErrInvalidTransition, so concurrent accept attempts resolve to exactly one
// winner inside the store.
type BookingRepository interface {
	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]Booking, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]Booking, error)

	AcceptBooking(ctx context.Context, id, providerID uuid.UUID, startOtp string, at time.Time) (Booking, error)
	StartBooking(ctx context.Context, id uuid.UUID, endOtp string, at time.Time) (Booking, error)
	CompleteBooking(ctx context.Context, id uuid.UUID, finalPrice int64, at time.Time) (Booking, error)
	CancelBooking(ctx context.Context, id uuid.UUID, at time.Time) (Booking, error)
}

// ProviderRepository persists provider records. CreditBalance must be an
// atomic increment, safe under concurrent completions for the same provider.
type ProviderRepository interface {
	CreateProvider(ctx context.Context, provider Provider) (Provider, error)
	GetProvider(ctx context.Context, id uuid.UUID) (Provider, error)
	GetProviderByUserID(ctx context.Context, userID uuid.UUID) (Provider, error)
	SetOnline(ctx context.Context, userID uuid.UUID, online bool) error
	UpdateLocation(ctx context.Context, userID uuid.UUID, point GeoPoint, address string) error
	CreditBalance(ctx context.Context, id uuid.UUID, amount int64) error
	SetRating(ctx context.Context, id uuid.UUID, rating float64) error
}

// ReviewRepository persists reviews. CreateReview returns ErrDuplicateReview
// when the booking already has one.
type ReviewRepository interface {
	CreateReview(ctx context.Context, review Review) (Review, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]Review, error)
}

// ProviderSummary is the display projection used to enrich candidates.
type ProviderSummary struct {
	EntityID  uuid.UUID
	UserID    uuid.UUID
	Name      string
	SkillTags []string
	Rating    float64
}

// ProviderLookup resolves display data for a provider user identity.
type ProviderLookup interface {
	ByUserID(ctx context.Context, userID uuid.UUID) (ProviderSummary, error)
}

// NotificationPort pushes a fire-and-forget event to one connected client.
// Delivery is at-most-once; failures do not roll back the caller.
type NotificationPort interface {
	Send(ctx context.Context, targetID uuid.UUID, event string, payload any) error
}

// EventPublisher emits booking lifecycle events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

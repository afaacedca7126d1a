package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
)

// MemoryBookingRepository is an in-memory store suitable for tests and local
// demos. The guarded transitions check and mutate the status under one lock,
// so racing accept calls resolve to exactly one winner.
type MemoryBookingRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
}

func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[uuid.UUID]domain.Booking)}
}

func (m *MemoryBookingRepository) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking.Version = 1
	m.bookings[booking.ID] = booking
	return booking, nil
}

func (m *MemoryBookingRepository) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return booking, nil
}

func (m *MemoryBookingRepository) ListByCustomer(_ context.Context, customerID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, booking := range m.bookings {
		if booking.CustomerID == customerID {
			out = append(out, booking)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (m *MemoryBookingRepository) ListByProvider(_ context.Context, providerID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, booking := range m.bookings {
		if booking.ProviderID != nil && *booking.ProviderID == providerID {
			out = append(out, booking)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (m *MemoryBookingRepository) AcceptBooking(_ context.Context, id, providerID uuid.UUID, startOtp string, at time.Time) (domain.Booking, error) {
	return m.transition(id, domain.StatusPending, func(b *domain.Booking) {
		b.ProviderID = &providerID
		b.StartOtp = startOtp
		b.Status = domain.StatusAccepted
		b.AcceptedAt = &at
	})
}

func (m *MemoryBookingRepository) StartBooking(_ context.Context, id uuid.UUID, endOtp string, at time.Time) (domain.Booking, error) {
	return m.transition(id, domain.StatusAccepted, func(b *domain.Booking) {
		b.StartOtp = ""
		b.EndOtp = endOtp
		b.Status = domain.StatusInProgress
		b.StartedAt = &at
	})
}

func (m *MemoryBookingRepository) CompleteBooking(_ context.Context, id uuid.UUID, finalPrice int64, at time.Time) (domain.Booking, error) {
	return m.transition(id, domain.StatusInProgress, func(b *domain.Booking) {
		b.EndOtp = ""
		b.PriceFinal = finalPrice
		b.Status = domain.StatusCompleted
		b.CompletedAt = &at
	})
}

func (m *MemoryBookingRepository) CancelBooking(_ context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if booking.Status != domain.StatusPending && booking.Status != domain.StatusAccepted {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	booking.Status = domain.StatusCancelled
	booking.CancelledAt = &at
	booking.Version++
	m.bookings[id] = booking
	return booking, nil
}

func (m *MemoryBookingRepository) transition(id uuid.UUID, expect domain.BookingStatus, apply func(*domain.Booking)) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if booking.Status != expect {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	apply(&booking)
	booking.Version++
	m.bookings[id] = booking
	return booking, nil
}

func sortByCreatedDesc(bookings []domain.Booking) {
	sort.Slice(bookings, func(i, j int) bool { return bookings[i].CreatedAt.After(bookings[j].CreatedAt) })
}

// MemoryProviderRepository stores provider records in memory. Balance credit
// happens under the lock so concurrent completions never lose an increment.
type MemoryProviderRepository struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]domain.Provider
	byUser    map[uuid.UUID]uuid.UUID
}

func NewMemoryProviderRepository() *MemoryProviderRepository {
	return &MemoryProviderRepository{
		providers: make(map[uuid.UUID]domain.Provider),
		byUser:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryProviderRepository) CreateProvider(_ context.Context, provider domain.Provider) (domain.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUser[provider.UserID]; exists {
		return domain.Provider{}, domain.ErrConflict
	}
	m.providers[provider.ID] = provider
	m.byUser[provider.UserID] = provider.ID
	return provider, nil
}

func (m *MemoryProviderRepository) GetProvider(_ context.Context, id uuid.UUID) (domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.providers[id]
	if !ok {
		return domain.Provider{}, domain.ErrNotFound
	}
	return provider, nil
}

func (m *MemoryProviderRepository) GetProviderByUserID(_ context.Context, userID uuid.UUID) (domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return domain.Provider{}, domain.ErrNotFound
	}
	return m.providers[id], nil
}

func (m *MemoryProviderRepository) SetOnline(_ context.Context, userID uuid.UUID, online bool) error {
	return m.mutateByUser(userID, func(p *domain.Provider) {
		p.Online = online
	})
}

func (m *MemoryProviderRepository) UpdateLocation(_ context.Context, userID uuid.UUID, point domain.GeoPoint, address string) error {
	return m.mutateByUser(userID, func(p *domain.Provider) {
		p.Location = &point
		if address != "" {
			p.Address = address
		}
	})
}

func (m *MemoryProviderRepository) CreditBalance(_ context.Context, id uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	provider, ok := m.providers[id]
	if !ok {
		return domain.ErrNotFound
	}
	provider.Balance += amount
	provider.UpdatedAt = time.Now().UTC()
	m.providers[id] = provider
	return nil
}

func (m *MemoryProviderRepository) SetRating(_ context.Context, id uuid.UUID, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	provider, ok := m.providers[id]
	if !ok {
		return domain.ErrNotFound
	}
	provider.Rating = rating
	m.providers[id] = provider
	return nil
}

func (m *MemoryProviderRepository) mutateByUser(userID uuid.UUID, apply func(*domain.Provider)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	if !ok {
		return domain.ErrNotFound
	}
	provider := m.providers[id]
	apply(&provider)
	provider.UpdatedAt = time.Now().UTC()
	m.providers[id] = provider
	return nil
}

// MemoryReviewRepository stores reviews in memory with one-per-booking
// uniqueness.
type MemoryReviewRepository struct {
	mu        sync.RWMutex
	reviews   map[uuid.UUID]domain.Review
	byBooking map[uuid.UUID]uuid.UUID
}

func NewMemoryReviewRepository() *MemoryReviewRepository {
	return &MemoryReviewRepository{
		reviews:   make(map[uuid.UUID]domain.Review),
		byBooking: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryReviewRepository) CreateReview(_ context.Context, review domain.Review) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byBooking[review.BookingID]; exists {
		return domain.Review{}, domain.ErrDuplicateReview
	}
	m.reviews[review.ID] = review
	m.byBooking[review.BookingID] = review.ID
	return review, nil
}

func (m *MemoryReviewRepository) ListByProvider(_ context.Context, providerID uuid.UUID) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Review
	for _, review := range m.reviews {
		if review.ProviderID == providerID {
			out = append(out, review)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

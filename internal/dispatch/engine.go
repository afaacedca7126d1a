// Package dispatch turns a pending booking into a ranked, filtered candidate
// set and fans out notifications. Dispatch is a broadcast, not an assignment:
// acceptance races between notified providers are resolved by the booking
// state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/presence"
)

// EventBookingNew is the event name pushed to every surviving candidate.
const EventBookingNew = "booking.new"

// Config tunes the candidate search.
type Config struct {
	// DispatchRadiusKM bounds the broadcast search. There is no automatic
	// radius-expansion retry on an empty result.
	DispatchRadiusKM float64
	// SearchRadiusKM is the default for read-only candidate browsing.
	SearchRadiusKM float64
	CandidateLimit int
	// AvgSpeedKMH drives the arrival estimate attached to candidates.
	AvgSpeedKMH float64
}

func (c Config) withDefaults() Config {
	if c.DispatchRadiusKM <= 0 {
		c.DispatchRadiusKM = 3
	}
	if c.SearchRadiusKM <= 0 {
		c.SearchRadiusKM = 5
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 50
	}
	if c.AvgSpeedKMH <= 0 {
		c.AvgSpeedKMH = 30
	}
	return c
}

// Engine queries the presence index, filters by online status, enriches the
// survivors and notifies them.
type Engine struct {
	index    presence.Index
	registry presence.Registry
	lookup   domain.ProviderLookup
	notifier domain.NotificationPort
	logger   *zap.Logger
	cfg      Config
}

// New constructs the engine.
func New(index presence.Index, registry presence.Registry, lookup domain.ProviderLookup, notifier domain.NotificationPort, logger *zap.Logger, cfg Config) (*Engine, error) {
	if index == nil || registry == nil {
		return nil, errors.New("presence index and registry are required")
	}
	if lookup == nil {
		return nil, errors.New("provider lookup is required")
	}
	if notifier == nil {
		return nil, errors.New("notification port is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{index: index, registry: registry, lookup: lookup, notifier: notifier, logger: logger, cfg: cfg.withDefaults()}, nil
}

// Dispatch fans a pending booking out to every eligible nearby provider. An
// empty candidate set is a normal result, not an error: the booking stays
// PENDING and the caller receives Reason NO_PROVIDERS_FOUND.
func (e *Engine) Dispatch(ctx context.Context, booking domain.Booking) (domain.DispatchResult, error) {
	start := time.Now()
	candidates, err := e.eligibleCandidates(ctx, booking.ServiceType, booking.Location, e.cfg.DispatchRadiusKM)
	if err != nil {
		dispatchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return domain.DispatchResult{}, err
	}

	if len(candidates) == 0 {
		dispatchDuration.WithLabelValues("no_providers").Observe(time.Since(start).Seconds())
		e.logger.Info("no providers found",
			zap.String("booking_id", booking.ID.String()),
			zap.String("service_type", booking.ServiceType),
			zap.Float64("radius_km", e.cfg.DispatchRadiusKM))
		return domain.DispatchResult{Dispatched: false, Reason: domain.ReasonNoProviders}, nil
	}

	payload := map[string]any{
		"booking_id":            booking.ID.String(),
		"service_type":          booking.ServiceType,
		"location":              booking.Location,
		"price_estimated_cents": booking.PriceEstimated,
	}
	for _, candidate := range candidates {
		// fire and forget: a failed push never rolls back the dispatch
		if err := e.notifier.Send(ctx, candidate.ProviderID, EventBookingNew, payload); err != nil {
			notificationsTotal.WithLabelValues("error").Inc()
			e.logger.Warn("notify candidate failed",
				zap.String("provider_id", candidate.ProviderID.String()),
				zap.Error(err))
			continue
		}
		notificationsTotal.WithLabelValues("ok").Inc()
	}

	dispatchDuration.WithLabelValues("dispatched").Observe(time.Since(start).Seconds())
	e.logger.Info("booking dispatched",
		zap.String("booking_id", booking.ID.String()),
		zap.Int("candidates", len(candidates)))
	return domain.DispatchResult{Dispatched: true, Candidates: candidates}, nil
}

// NotifyDirect handles a booking with a pre-selected provider: the provider
// must be online with a fresh presence entry before the booking counts as
// dispatched.
func (e *Engine) NotifyDirect(ctx context.Context, booking domain.Booking, providerID uuid.UUID) (domain.DispatchResult, error) {
	online, err := e.registry.IsOnline(ctx, providerID)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("direct status check: %w", err)
	}
	point, fresh, err := e.index.Locate(ctx, providerID)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("direct presence check: %w", err)
	}
	if !online || !fresh {
		return domain.DispatchResult{Dispatched: false, Reason: domain.ReasonNoProviders}, nil
	}

	candidate := domain.Candidate{
		ProviderID: providerID,
		DistanceKM: presence.HaversineKM(booking.Location, point),
		Location:   point,
	}
	e.enrich(ctx, &candidate)

	payload := map[string]any{
		"booking_id":            booking.ID.String(),
		"service_type":          booking.ServiceType,
		"location":              booking.Location,
		"price_estimated_cents": booking.PriceEstimated,
		"direct":                true,
	}
	if err := e.notifier.Send(ctx, providerID, EventBookingNew, payload); err != nil {
		notificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notify direct provider failed", zap.String("provider_id", providerID.String()), zap.Error(err))
	} else {
		notificationsTotal.WithLabelValues("ok").Inc()
	}
	return domain.DispatchResult{Dispatched: true, Candidates: []domain.Candidate{candidate}}, nil
}

// SearchCandidates is the read-only browse variant of the dispatch pipeline:
// radius query, online filter and enrichment without any notification.
func (e *Engine) SearchCandidates(ctx context.Context, category string, origin domain.GeoPoint, radiusKM float64) ([]domain.Candidate, error) {
	if radiusKM <= 0 {
		radiusKM = e.cfg.SearchRadiusKM
	}
	return e.eligibleCandidates(ctx, category, origin, radiusKM)
}

func (e *Engine) eligibleCandidates(ctx context.Context, category string, origin domain.GeoPoint, radiusKM float64) ([]domain.Candidate, error) {
	hits, err := e.index.QueryRadius(ctx, category, origin, radiusKM, e.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("radius query: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ProviderID
	}
	statuses, err := e.registry.OnlineStatuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("status filter: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(hits))
	for _, hit := range hits {
		if !statuses[hit.ProviderID] {
			continue
		}
		e.enrich(ctx, &hit)
		candidates = append(candidates, hit)
	}
	return candidates, nil
}

func (e *Engine) enrich(ctx context.Context, candidate *domain.Candidate) {
	candidate.ETASeconds = candidate.DistanceKM / e.cfg.AvgSpeedKMH * 3600
	summary, err := e.lookup.ByUserID(ctx, candidate.ProviderID)
	if err != nil {
		e.logger.Debug("candidate lookup miss", zap.String("provider_id", candidate.ProviderID.String()), zap.Error(err))
		return
	}
	candidate.Name = summary.Name
	candidate.EntityID = summary.EntityID
	candidate.SkillTags = summary.SkillTags
	candidate.Rating = summary.Rating
}

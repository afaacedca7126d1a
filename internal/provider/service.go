// Package provider handles onboarding, availability toggling and location
// heartbeats. It is the write side of the presence index: every heartbeat
// refreshes the provider's geo entry per skill category, and going offline
// purges those entries eagerly.
package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/presence"
)

// Service coordinates the durable provider record with the live presence
// store.
type Service struct {
	providers domain.ProviderRepository
	index     presence.Index
	registry  presence.Registry
	logger    *zap.Logger
	clock     domain.Clock
}

func NewService(providers domain.ProviderRepository, index presence.Index, registry presence.Registry, logger *zap.Logger, clock domain.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{providers: providers, index: index, registry: registry, logger: logger, clock: clock}
}

// OnboardRequest registers a user as a provider.
type OnboardRequest struct {
	UserID    uuid.UUID
	Name      string
	SkillTags []string
	Address   string
}

// Onboard creates the provider record. A user can hold at most one provider
// profile; a second attempt returns domain.ErrConflict. New providers start
// offline with the default rating.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (domain.Provider, error) {
	if len(req.SkillTags) == 0 {
		return domain.Provider{}, fmt.Errorf("at least one skill tag is required")
	}
	now := s.clock.Now()
	provider := domain.Provider{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Name:      req.Name,
		SkillTags: req.SkillTags,
		Address:   req.Address,
		Rating:    domain.DefaultRating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.providers.CreateProvider(ctx, provider)
	if err != nil {
		return domain.Provider{}, err
	}
	s.logger.Info("provider onboarded",
		zap.String("provider_id", created.ID.String()),
		zap.Strings("skill_tags", created.SkillTags))
	return created, nil
}

// Get returns a provider profile by entity id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Provider, error) {
	return s.providers.GetProvider(ctx, id)
}

// GetByUser returns a provider profile by user identity.
func (s *Service) GetByUser(ctx context.Context, userID uuid.UUID) (domain.Provider, error) {
	return s.providers.GetProviderByUserID(ctx, userID)
}

// Heartbeat records a location update. The durable record gets the new
// coordinates and the presence index is refreshed for every skill category,
// restarting the freshness TTL. Heartbeats from offline providers update the
// record but never touch the index.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID, point domain.GeoPoint, address string) error {
	provider, err := s.providers.GetProviderByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.providers.UpdateLocation(ctx, userID, point, address); err != nil {
		return fmt.Errorf("persist location: %w", err)
	}
	if !provider.Online {
		return nil
	}
	for _, category := range provider.SkillTags {
		if err := s.index.UpsertLocation(ctx, userID, category, point); err != nil {
			return fmt.Errorf("index location for %s: %w", category, err)
		}
	}
	return nil
}

// SetAvailability flips the provider's availability. Going online marks the
// registry and, when a last known location exists, seeds the index so the
// provider is discoverable before the first heartbeat. Going offline removes
// the provider from every category index immediately rather than waiting for
// the TTL to lapse.
func (s *Service) SetAvailability(ctx context.Context, userID uuid.UUID, online bool) error {
	provider, err := s.providers.GetProviderByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.providers.SetOnline(ctx, userID, online); err != nil {
		return err
	}
	if err := s.registry.SetOnline(ctx, userID, online); err != nil {
		return fmt.Errorf("update presence registry: %w", err)
	}
	if online {
		if provider.Location != nil {
			for _, category := range provider.SkillTags {
				if err := s.index.UpsertLocation(ctx, userID, category, *provider.Location); err != nil {
					return fmt.Errorf("seed index for %s: %w", category, err)
				}
			}
		}
		return nil
	}
	if err := s.index.RemoveAll(ctx, userID); err != nil {
		return fmt.Errorf("purge presence index: %w", err)
	}
	s.logger.Info("provider went offline", zap.String("user_id", userID.String()))
	return nil
}

// Lookup adapts the repository to the candidate-enrichment interface used by
// the dispatch engine.
type Lookup struct {
	providers domain.ProviderRepository
}

func NewLookup(providers domain.ProviderRepository) *Lookup {
	return &Lookup{providers: providers}
}

func (l *Lookup) ByUserID(ctx context.Context, userID uuid.UUID) (domain.ProviderSummary, error) {
	provider, err := l.providers.GetProviderByUserID(ctx, userID)
	if err != nil {
		return domain.ProviderSummary{}, err
	}
	return domain.ProviderSummary{
		EntityID:  provider.ID,
		UserID:    provider.UserID,
		Name:      provider.Name,
		SkillTags: provider.SkillTags,
		Rating:    provider.Rating,
	}, nil
}

// Package presence tracks live provider locations and online status. The
// index is partitioned by service category; every entry carries a staleness
// deadline and is never returned past it. The registry's online flag is
// authoritative for "accepting work" independent of location freshness.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
)

// DefaultTTL is the staleness deadline applied on every location refresh.
const DefaultTTL = 60 * time.Second

// Index stores provider points per category. A provider may be indexed under
// several categories at once, one entry per skill tag.
type Index interface {
	// UpsertLocation stores or refreshes the provider's point under the
	// category and resets its staleness deadline. Idempotent.
	UpsertLocation(ctx context.Context, providerID uuid.UUID, category string, point domain.GeoPoint) error
	// QueryRadius returns candidates within radiusKM of origin, sorted by
	// ascending great-circle distance, capped at limit. Entries past their
	// staleness deadline are never returned.
	QueryRadius(ctx context.Context, category string, origin domain.GeoPoint, radiusKM float64, limit int) ([]domain.Candidate, error)
	// Locate returns the provider's last fresh point, or false when no
	// unexpired entry exists.
	Locate(ctx context.Context, providerID uuid.UUID) (domain.GeoPoint, bool, error)
	// RemoveProvider purges the provider's entry for one category.
	RemoveProvider(ctx context.Context, providerID uuid.UUID, category string) error
	// RemoveAll purges the provider from every category it is indexed
	// under. Used on going offline.
	RemoveAll(ctx context.Context, providerID uuid.UUID) error
}

// Registry is the online/offline flag per provider. Absent means offline.
type Registry interface {
	SetOnline(ctx context.Context, providerID uuid.UUID, online bool) error
	IsOnline(ctx context.Context, providerID uuid.UUID) (bool, error)
	// OnlineStatuses resolves many providers in one round trip.
	OnlineStatuses(ctx context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]bool, error)
}

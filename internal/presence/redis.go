package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/fixly/internal/booking/domain"
)

const (
	geoKeyPrefix      = "providers:geo:"
	locationKeyPrefix = "provider:loc:"
	statusKeyPrefix   = "provider:status:"
	categoryKeyPrefix = "provider:categories:"

	statusOnline = "ONLINE"
)

func geoKey(category string) string     { return geoKeyPrefix + category }
func locationKey(id uuid.UUID) string   { return locationKeyPrefix + id.String() }
func statusKey(id uuid.UUID) string     { return statusKeyPrefix + id.String() }
func categoriesKey(id uuid.UUID) string { return categoryKeyPrefix + id.String() }

// RedisIndex implements Index on Redis GEO sets. Zset members cannot expire
// individually, so freshness lives in a companion key per provider with a
// TTL; stale members are filtered out of query results and lazily removed
// from the geo set.
type RedisIndex struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisIndex constructs the index. A non-positive ttl falls back to
// DefaultTTL.
func NewRedisIndex(client redis.Cmdable, ttl time.Duration) *RedisIndex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisIndex{client: client, ttl: ttl}
}

func (r *RedisIndex) UpsertLocation(ctx context.Context, providerID uuid.UUID, category string, point domain.GeoPoint) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, geoKey(category), &redis.GeoLocation{
		Name:      providerID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	})
	pipe.SAdd(ctx, categoriesKey(providerID), category)
	pipe.HSet(ctx, locationKey(providerID), "lat", point.Lat, "lng", point.Lng, "updated", time.Now().UnixMilli())
	pipe.Expire(ctx, locationKey(providerID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence upsert: %w", err)
	}
	return nil
}

func (r *RedisIndex) QueryRadius(ctx context.Context, category string, origin domain.GeoPoint, radiusKM float64, limit int) ([]domain.Candidate, error) {
	raw, err := r.client.GeoRadius(ctx, geoKey(category), origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence query: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	fresh := make([]bool, len(raw))
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(raw))
	for i, loc := range raw {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			continue
		}
		checks[i] = pipe.Exists(ctx, locationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence freshness check: %w", err)
	}
	for i, cmd := range checks {
		fresh[i] = cmd != nil && cmd.Val() > 0
	}

	candidates := make([]domain.Candidate, 0, len(raw))
	for i, loc := range raw {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			continue
		}
		if !fresh[i] {
			// lazy eviction of the expired member
			_ = r.client.ZRem(ctx, geoKey(category), loc.Name).Err()
			continue
		}
		candidates = append(candidates, domain.Candidate{
			ProviderID: id,
			DistanceKM: loc.Dist,
			Location:   domain.GeoPoint{Lat: loc.Latitude, Lng: loc.Longitude},
		})
	}
	return candidates, nil
}

func (r *RedisIndex) Locate(ctx context.Context, providerID uuid.UUID) (domain.GeoPoint, bool, error) {
	fields, err := r.client.HGetAll(ctx, locationKey(providerID)).Result()
	if err != nil {
		return domain.GeoPoint{}, false, fmt.Errorf("presence locate: %w", err)
	}
	if len(fields) == 0 {
		return domain.GeoPoint{}, false, nil
	}
	var point domain.GeoPoint
	if _, err := fmt.Sscanf(fields["lat"], "%f", &point.Lat); err != nil {
		return domain.GeoPoint{}, false, fmt.Errorf("presence locate lat: %w", err)
	}
	if _, err := fmt.Sscanf(fields["lng"], "%f", &point.Lng); err != nil {
		return domain.GeoPoint{}, false, fmt.Errorf("presence locate lng: %w", err)
	}
	return point, true, nil
}

func (r *RedisIndex) RemoveProvider(ctx context.Context, providerID uuid.UUID, category string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, geoKey(category), providerID.String())
	pipe.SRem(ctx, categoriesKey(providerID), category)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

func (r *RedisIndex) RemoveAll(ctx context.Context, providerID uuid.UUID) error {
	categories, err := r.client.SMembers(ctx, categoriesKey(providerID)).Result()
	if err != nil {
		return fmt.Errorf("presence categories: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, category := range categories {
		pipe.ZRem(ctx, geoKey(category), providerID.String())
	}
	pipe.Del(ctx, categoriesKey(providerID), locationKey(providerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence purge: %w", err)
	}
	return nil
}

// RedisRegistry implements Registry with one status key per provider. The
// key exists with value ONLINE or not at all.
type RedisRegistry struct {
	client redis.Cmdable
}

func NewRedisRegistry(client redis.Cmdable) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) SetOnline(ctx context.Context, providerID uuid.UUID, online bool) error {
	if online {
		if err := r.client.Set(ctx, statusKey(providerID), statusOnline, 0).Err(); err != nil {
			return fmt.Errorf("set online: %w", err)
		}
		return nil
	}
	if err := r.client.Del(ctx, statusKey(providerID)).Err(); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, providerID uuid.UUID) (bool, error) {
	status, err := r.client.Get(ctx, statusKey(providerID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}
	return status == statusOnline, nil
}

func (r *RedisRegistry) OnlineStatuses(ctx context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(providerIDs) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	keys := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		keys[i] = statusKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget status: %w", err)
	}
	statuses := make(map[uuid.UUID]bool, len(providerIDs))
	for i, id := range providerIDs {
		value, ok := values[i].(string)
		statuses[id] = ok && value == statusOnline
	}
	return statuses, nil
}

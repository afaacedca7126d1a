package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/presence"
)

// request origin from the dispatch scenario: Gwalior city centre
var origin = domain.GeoPoint{Lat: 26.2183, Lng: 78.1828}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestMemoryIndexSortsByDistanceAndCaps(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0).UTC()}
	idx := presence.NewMemoryIndex(time.Minute, clock)
	ctx := context.Background()

	near := uuid.New()
	far := uuid.New()
	farther := uuid.New()
	// roughly 1.2km, 3.4km and 9km from the origin
	require.NoError(t, idx.UpsertLocation(ctx, far, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.2168}))
	require.NoError(t, idx.UpsertLocation(ctx, near, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.1948}))
	require.NoError(t, idx.UpsertLocation(ctx, farther, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.2728}))

	got, err := idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, 2, "9km entry is outside the 5km radius")
	require.Equal(t, near, got[0].ProviderID)
	require.Equal(t, far, got[1].ProviderID)
	require.Less(t, got[0].DistanceKM, got[1].DistanceKM)

	capped, err := idx.QueryRadius(ctx, "plumber", origin, 5, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	require.Equal(t, near, capped[0].ProviderID)
}

func TestMemoryIndexExcludesStaleEntries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0).UTC()}
	idx := presence.NewMemoryIndex(time.Minute, clock)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))

	clock.t = clock.t.Add(61 * time.Second)
	got, err := idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Empty(t, got)

	// a refresh resets the deadline
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))
	got, err = idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryIndexCategoryPartitioning(t *testing.T) {
	idx := presence.NewMemoryIndex(time.Minute, nil)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))
	require.NoError(t, idx.UpsertLocation(ctx, id, "electrician", origin))

	plumbers, err := idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Len(t, plumbers, 1)

	require.NoError(t, idx.RemoveProvider(ctx, id, "plumber"))
	plumbers, err = idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Empty(t, plumbers)

	electricians, err := idx.QueryRadius(ctx, "electrician", origin, 5, 50)
	require.NoError(t, err)
	require.Len(t, electricians, 1, "removal is per category")

	require.NoError(t, idx.RemoveAll(ctx, id))
	electricians, err = idx.QueryRadius(ctx, "electrician", origin, 5, 50)
	require.NoError(t, err)
	require.Empty(t, electricians)
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisIndexQuerySortedWithinRadius(t *testing.T) {
	_, client := newRedisClient(t)
	idx := presence.NewRedisIndex(client, time.Minute)
	ctx := context.Background()

	near := uuid.New()
	far := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, far, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.2168}))
	require.NoError(t, idx.UpsertLocation(ctx, near, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.1948}))

	got, err := idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, near, got[0].ProviderID)
	require.Equal(t, far, got[1].ProviderID)
	require.InDelta(t, 1.2, got[0].DistanceKM, 0.2)
	require.InDelta(t, 3.4, got[1].DistanceKM, 0.3)
}

func TestRedisIndexFiltersExpiredEntries(t *testing.T) {
	mr, client := newRedisClient(t)
	idx := presence.NewRedisIndex(client, time.Minute)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))
	mr.FastForward(61 * time.Second)

	got, err := idx.QueryRadius(ctx, "plumber", origin, 5, 50)
	require.NoError(t, err)
	require.Empty(t, got, "expired entry must not be returned even if still stored")
}

func TestRedisIndexRemoveAllPurgesEveryCategory(t *testing.T) {
	_, client := newRedisClient(t)
	idx := presence.NewRedisIndex(client, time.Minute)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))
	require.NoError(t, idx.UpsertLocation(ctx, id, "electrician", origin))
	require.NoError(t, idx.RemoveAll(ctx, id))

	for _, category := range []string{"plumber", "electrician"} {
		got, err := idx.QueryRadius(ctx, category, origin, 5, 50)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func TestRedisRegistryStatuses(t *testing.T) {
	_, client := newRedisClient(t)
	reg := presence.NewRedisRegistry(client)
	ctx := context.Background()

	a := uuid.New()
	b := uuid.New()
	online, err := reg.IsOnline(ctx, a)
	require.NoError(t, err)
	require.False(t, online, "absent provider defaults to offline")

	require.NoError(t, reg.SetOnline(ctx, a, true))
	online, err = reg.IsOnline(ctx, a)
	require.NoError(t, err)
	require.True(t, online)

	statuses, err := reg.OnlineStatuses(ctx, []uuid.UUID{a, b})
	require.NoError(t, err)
	require.True(t, statuses[a])
	require.False(t, statuses[b])

	require.NoError(t, reg.SetOnline(ctx, a, false))
	online, err = reg.IsOnline(ctx, a)
	require.NoError(t, err)
	require.False(t, online)
}

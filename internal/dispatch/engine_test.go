package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/booking/domain"
	"github.com/example/fixly/internal/dispatch"
	"github.com/example/fixly/internal/presence"
)

var origin = domain.GeoPoint{Lat: 26.2183, Lng: 78.1828}

type recordedNotification struct {
	Target  uuid.UUID
	Event   string
	Payload any
}

type recorderNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (r *recorderNotifier) Send(_ context.Context, targetID uuid.UUID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedNotification{Target: targetID, Event: event, Payload: payload})
	return nil
}

type stubLookup struct {
	summaries map[uuid.UUID]domain.ProviderSummary
}

func (s *stubLookup) ByUserID(_ context.Context, userID uuid.UUID) (domain.ProviderSummary, error) {
	if summary, ok := s.summaries[userID]; ok {
		return summary, nil
	}
	return domain.ProviderSummary{}, domain.ErrNotFound
}

func newEngine(t *testing.T, idx presence.Index, reg presence.Registry, lookup domain.ProviderLookup, notifier domain.NotificationPort) *dispatch.Engine {
	t.Helper()
	engine, err := dispatch.New(idx, reg, lookup, notifier, zap.NewNop(), dispatch.Config{DispatchRadiusKM: 5})
	require.NoError(t, err)
	return engine
}

func TestDispatchRanksAndNotifiesOnlineProviders(t *testing.T) {
	ctx := context.Background()
	idx := presence.NewMemoryIndex(time.Minute, nil)
	reg := presence.NewMemoryRegistry()
	notifier := &recorderNotifier{}

	near := uuid.New()
	far := uuid.New()
	// 1.2km and 3.4km east of the request origin
	require.NoError(t, idx.UpsertLocation(ctx, near, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.1948}))
	require.NoError(t, idx.UpsertLocation(ctx, far, "plumber", domain.GeoPoint{Lat: 26.2183, Lng: 78.2168}))
	require.NoError(t, reg.SetOnline(ctx, near, true))
	require.NoError(t, reg.SetOnline(ctx, far, true))

	lookup := &stubLookup{summaries: map[uuid.UUID]domain.ProviderSummary{
		near: {EntityID: uuid.New(), UserID: near, Name: "Asha", Rating: 4.8, SkillTags: []string{"plumber"}},
		far:  {EntityID: uuid.New(), UserID: far, Name: "Ravi", Rating: 4.5, SkillTags: []string{"plumber"}},
	}}
	engine := newEngine(t, idx, reg, lookup, notifier)

	booking := domain.Booking{ID: uuid.New(), ServiceType: "plumber", Location: origin, PriceEstimated: 50000}
	result, err := engine.Dispatch(ctx, booking)
	require.NoError(t, err)
	require.True(t, result.Dispatched)
	require.Len(t, result.Candidates, 2)
	require.Equal(t, near, result.Candidates[0].ProviderID)
	require.Equal(t, far, result.Candidates[1].ProviderID)
	require.Less(t, result.Candidates[0].DistanceKM, result.Candidates[1].DistanceKM)
	require.Equal(t, "Asha", result.Candidates[0].Name)
	require.Greater(t, result.Candidates[0].ETASeconds, 0.0)

	require.Len(t, notifier.sent, 2)
	for _, sent := range notifier.sent {
		require.Equal(t, dispatch.EventBookingNew, sent.Event)
	}
}

func TestDispatchNoProvidersIsNotAnError(t *testing.T) {
	ctx := context.Background()
	idx := presence.NewMemoryIndex(time.Minute, nil)
	reg := presence.NewMemoryRegistry()
	notifier := &recorderNotifier{}
	engine := newEngine(t, idx, reg, &stubLookup{}, notifier)

	booking := domain.Booking{ID: uuid.New(), ServiceType: "plumber", Location: origin}
	result, err := engine.Dispatch(ctx, booking)
	require.NoError(t, err)
	require.False(t, result.Dispatched)
	require.Equal(t, domain.ReasonNoProviders, result.Reason)
	require.Empty(t, notifier.sent)
}

func TestDispatchExcludesOfflineProviderWithFreshLocation(t *testing.T) {
	ctx := context.Background()
	idx := presence.NewMemoryIndex(time.Minute, nil)
	reg := presence.NewMemoryRegistry()
	notifier := &recorderNotifier{}

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "plumber", origin))
	require.NoError(t, reg.SetOnline(ctx, id, true))
	require.NoError(t, reg.SetOnline(ctx, id, false))

	engine := newEngine(t, idx, reg, &stubLookup{}, notifier)
	booking := domain.Booking{ID: uuid.New(), ServiceType: "plumber", Location: origin}
	result, err := engine.Dispatch(ctx, booking)
	require.NoError(t, err)
	require.False(t, result.Dispatched, "offline provider must be excluded even with an unexpired index entry")
	require.Empty(t, notifier.sent)
}

func TestSearchCandidatesDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	idx := presence.NewMemoryIndex(time.Minute, nil)
	reg := presence.NewMemoryRegistry()
	notifier := &recorderNotifier{}

	id := uuid.New()
	require.NoError(t, idx.UpsertLocation(ctx, id, "electrician", origin))
	require.NoError(t, reg.SetOnline(ctx, id, true))

	engine := newEngine(t, idx, reg, &stubLookup{}, notifier)
	candidates, err := engine.SearchCandidates(ctx, "electrician", origin, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Empty(t, notifier.sent)
}

func TestNotifyDirectRequiresPresence(t *testing.T) {
	ctx := context.Background()
	idx := presence.NewMemoryIndex(time.Minute, nil)
	reg := presence.NewMemoryRegistry()
	notifier := &recorderNotifier{}
	engine := newEngine(t, idx, reg, &stubLookup{}, notifier)

	providerID := uuid.New()
	booking := domain.Booking{ID: uuid.New(), ServiceType: "plumber", Location: origin}

	// offline, no location: not dispatched
	result, err := engine.NotifyDirect(ctx, booking, providerID)
	require.NoError(t, err)
	require.False(t, result.Dispatched)

	// online but stale location: still not dispatched
	require.NoError(t, reg.SetOnline(ctx, providerID, true))
	result, err = engine.NotifyDirect(ctx, booking, providerID)
	require.NoError(t, err)
	require.False(t, result.Dispatched)

	// online with a fresh entry: dispatched and notified
	require.NoError(t, idx.UpsertLocation(ctx, providerID, "plumber", origin))
	result, err = engine.NotifyDirect(ctx, booking, providerID)
	require.NoError(t, err)
	require.True(t, result.Dispatched)
	require.Len(t, result.Candidates, 1)
	require.Len(t, notifier.sent, 1)
	require.Equal(t, providerID, notifier.sent[0].Target)
}

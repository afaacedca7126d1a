package presence

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
)

// MemoryIndex is an in-process Index for tests and single-node demos.
// Staleness is enforced at query time against the injected clock.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]map[uuid.UUID]memoryEntry
	ttl     time.Duration
	clock   domain.Clock
}

type memoryEntry struct {
	point    domain.GeoPoint
	deadline time.Time
}

// NewMemoryIndex constructs the index. A nil clock uses the system clock.
func NewMemoryIndex(ttl time.Duration, clock domain.Clock) *MemoryIndex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryIndex{entries: make(map[string]map[uuid.UUID]memoryEntry), ttl: ttl, clock: clock}
}

func (m *MemoryIndex) UpsertLocation(_ context.Context, providerID uuid.UUID, category string, point domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProvider, ok := m.entries[category]
	if !ok {
		byProvider = make(map[uuid.UUID]memoryEntry)
		m.entries[category] = byProvider
	}
	byProvider[providerID] = memoryEntry{point: point, deadline: m.clock.Now().Add(m.ttl)}
	return nil
}

func (m *MemoryIndex) QueryRadius(_ context.Context, category string, origin domain.GeoPoint, radiusKM float64, limit int) ([]domain.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	var candidates []domain.Candidate
	for id, entry := range m.entries[category] {
		if now.After(entry.deadline) {
			continue
		}
		dist := HaversineKM(origin, entry.point)
		if dist > radiusKM {
			continue
		}
		candidates = append(candidates, domain.Candidate{ProviderID: id, DistanceKM: dist, Location: entry.point})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DistanceKM < candidates[j].DistanceKM })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (m *MemoryIndex) Locate(_ context.Context, providerID uuid.UUID) (domain.GeoPoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	for _, byProvider := range m.entries {
		if entry, ok := byProvider[providerID]; ok && !now.After(entry.deadline) {
			return entry.point, true, nil
		}
	}
	return domain.GeoPoint{}, false, nil
}

func (m *MemoryIndex) RemoveProvider(_ context.Context, providerID uuid.UUID, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[category], providerID)
	return nil
}

func (m *MemoryIndex) RemoveAll(_ context.Context, providerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byProvider := range m.entries {
		delete(byProvider, providerID)
	}
	return nil
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	online map[uuid.UUID]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{online: make(map[uuid.UUID]bool)}
}

func (m *MemoryRegistry) SetOnline(_ context.Context, providerID uuid.UUID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.online[providerID] = true
	} else {
		delete(m.online, providerID)
	}
	return nil
}

func (m *MemoryRegistry) IsOnline(_ context.Context, providerID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[providerID], nil
}

func (m *MemoryRegistry) OnlineStatuses(_ context.Context, providerIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make(map[uuid.UUID]bool, len(providerIDs))
	for _, id := range providerIDs {
		statuses[id] = m.online[id]
	}
	return statuses, nil
}

// HaversineKM returns the great-circle distance between two points in
// kilometers.
func HaversineKM(a, b domain.GeoPoint) float64 {
	const earthRadiusKM = 6371.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

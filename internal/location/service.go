// Package location ingests provider heartbeat streams over gRPC and forwards
// them into the presence pipeline.
package location

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fixly/internal/booking/domain"
)

// Sink receives validated heartbeats. provider.Service implements it.
type Sink interface {
	Heartbeat(ctx context.Context, userID uuid.UUID, point domain.GeoPoint, address string) error
}

// Snapshot is the latest observed position of a provider.
type Snapshot struct {
	UserID   uuid.UUID
	Point    domain.GeoPoint
	Accuracy float64
	Updated  time.Time
}

// Observer caches the latest heartbeat per provider and forwards each one to
// the sink.
type Observer struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]Snapshot
	sink      Sink
}

// NewObserver constructs the observer. A nil sink only caches snapshots.
func NewObserver(sink Sink) *Observer {
	return &Observer{snapshots: make(map[uuid.UUID]Snapshot), sink: sink}
}

// Update stores the snapshot and forwards it to the sink.
func (o *Observer) Update(ctx context.Context, userID uuid.UUID, point domain.GeoPoint, accuracy float64) error {
	o.mu.Lock()
	o.snapshots[userID] = Snapshot{
		UserID:   userID,
		Point:    point,
		Accuracy: accuracy,
		Updated:  time.Now().UTC(),
	}
	o.mu.Unlock()
	if o.sink == nil {
		return nil
	}
	return o.sink.Heartbeat(ctx, userID, point, "")
}

// Latest returns the cached snapshot.
func (o *Observer) Latest(userID uuid.UUID) (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.snapshots[userID]
	return snap, ok
}

// All returns every cached snapshot.
func (o *Observer) All() []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res := make([]Snapshot, 0, len(o.snapshots))
	for _, snap := range o.snapshots {
		res = append(res, snap)
	}
	return res
}

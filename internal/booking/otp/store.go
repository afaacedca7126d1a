package otp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/fixly/internal/booking/domain"
)

// Phase identifies which transition a code guards.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

const defaultCodeTTL = 24 * time.Hour

// Store holds the active code per booking and phase with a TTL. Eviction of
// a still-required code surfaces as ErrOtpExpired at verification time.
type Store interface {
	Put(ctx context.Context, bookingID uuid.UUID, phase Phase, code string) error
	// Verify compares the provided code against the stored one and consumes
	// it on match. Missing code returns domain.ErrOtpExpired, mismatch
	// returns domain.ErrOtpMismatch.
	Verify(ctx context.Context, bookingID uuid.UUID, phase Phase, code string) error
}

const redisKeyPrefix = "booking:otp:"

// compare-and-delete so concurrent verifications consume a code exactly once
const verifyLua = `
local stored = redis.call('GET', KEYS[1])
if stored == false then
  return -1
end
if stored ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// RedisStore keeps codes in Redis under booking:otp:<id>:<phase> with a TTL.
type RedisStore struct {
	client    redis.Cmdable
	ttl       time.Duration
	verifySha *redis.Script
}

// NewRedisStore constructs the store. A non-positive ttl falls back to 24h.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	return &RedisStore{client: client, ttl: ttl, verifySha: redis.NewScript(verifyLua)}
}

func redisKey(bookingID uuid.UUID, phase Phase) string {
	return redisKeyPrefix + bookingID.String() + ":" + string(phase)
}

func (s *RedisStore) Put(ctx context.Context, bookingID uuid.UUID, phase Phase, code string) error {
	if err := s.client.Set(ctx, redisKey(bookingID, phase), code, s.ttl).Err(); err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	return nil
}

func (s *RedisStore) Verify(ctx context.Context, bookingID uuid.UUID, phase Phase, code string) error {
	result, err := s.verifySha.Run(ctx, s.client, []string{redisKey(bookingID, phase)}, code).Int64()
	if err != nil {
		return fmt.Errorf("verify otp: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return domain.ErrOtpMismatch
	default:
		return domain.ErrOtpExpired
	}
}

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]memoryCode
	ttl   time.Duration
	clock domain.Clock
}

type memoryCode struct {
	code     string
	deadline time.Time
}

// NewMemoryStore constructs the store with the given TTL and clock.
func NewMemoryStore(ttl time.Duration, clock domain.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{codes: make(map[string]memoryCode), ttl: ttl, clock: clock}
}

func memoryKey(bookingID uuid.UUID, phase Phase) string {
	return bookingID.String() + ":" + string(phase)
}

func (s *MemoryStore) Put(_ context.Context, bookingID uuid.UUID, phase Phase, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[memoryKey(bookingID, phase)] = memoryCode{code: code, deadline: s.clock.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Verify(_ context.Context, bookingID uuid.UUID, phase Phase, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(bookingID, phase)
	stored, ok := s.codes[key]
	if !ok || s.clock.Now().After(stored.deadline) {
		delete(s.codes, key)
		return domain.ErrOtpExpired
	}
	if stored.code != code {
		return domain.ErrOtpMismatch
	}
	delete(s.codes, key)
	return nil
}

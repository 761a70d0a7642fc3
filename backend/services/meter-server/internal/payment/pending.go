package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PendingPayment is a provisional reservation created by Quote and consumed by Verify.
type PendingPayment struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PendingStore holds reservations and remembers proofs that were already accepted.
type PendingStore interface {
	Put(ctx context.Context, p PendingPayment) error
	Get(ctx context.Context, reference string) (*PendingPayment, error)
	// Take removes and returns the reservation. Of concurrent callers only one receives it.
	Take(ctx context.Context, reference string) (*PendingPayment, error)
	// MarkUsed records key and reports false when it was recorded before.
	MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

var newReference = func() string {
	return "pay_" + uuid.NewString()
}

// MemoryPendingStore keeps reservations in process memory.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]PendingPayment
	used    map[string]time.Time
	now     func() time.Time
}

// NewMemoryPendingStore returns an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		pending: make(map[string]PendingPayment),
		used:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Put stores a reservation.
func (s *MemoryPendingStore) Put(_ context.Context, p PendingPayment) error {
	if p.Reference == "" {
		return errors.New("payment: reference is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.Reference] = p
	return nil
}

// Get returns an unexpired reservation. Expired entries are discarded on access.
func (s *MemoryPendingStore) Get(_ context.Context, reference string) (*PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[reference]
	if !ok {
		return nil, ErrPendingNotFound
	}
	if !p.ExpiresAt.IsZero() && !s.now().Before(p.ExpiresAt) {
		delete(s.pending, reference)
		return nil, ErrPendingNotFound
	}
	return &p, nil
}

// Take removes an unexpired reservation under the store lock.
func (s *MemoryPendingStore) Take(_ context.Context, reference string) (*PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[reference]
	if !ok {
		return nil, ErrPendingNotFound
	}
	delete(s.pending, reference)
	if !p.ExpiresAt.IsZero() && !s.now().Before(p.ExpiresAt) {
		return nil, ErrPendingNotFound
	}
	return &p, nil
}

// MarkUsed records key until ttl elapses.
func (s *MemoryPendingStore) MarkUsed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.used[key]; ok && now.Before(until) {
		return false, nil
	}
	s.used[key] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired reservations and replay markers.
func (s *MemoryPendingStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for ref, p := range s.pending {
		if !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt) {
			delete(s.pending, ref)
			removed++
		}
	}
	for key, until := range s.used {
		if !now.Before(until) {
			delete(s.used, key)
		}
	}
	return removed
}

// RedisPendingStore shares reservations between server instances.
type RedisPendingStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisPendingStore returns a redis-backed store. Keys are namespaced by prefix.
func NewRedisPendingStore(client redis.Cmdable, prefix string) *RedisPendingStore {
	if prefix == "" {
		prefix = "payments"
	}
	return &RedisPendingStore{client: client, prefix: prefix}
}

func (s *RedisPendingStore) pendingKey(reference string) string {
	return fmt.Sprintf("%s:pending:%s", s.prefix, reference)
}

func (s *RedisPendingStore) usedKey(key string) string {
	return fmt.Sprintf("%s:used:%s", s.prefix, key)
}

// Put caches the reservation until it expires.
func (s *RedisPendingStore) Put(ctx context.Context, p PendingPayment) error {
	if p.Reference == "" {
		return errors.New("payment: reference is required")
	}
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		return errors.New("payment: reservation already expired")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.pendingKey(p.Reference), data, ttl).Err()
}

// Get returns the cached reservation.
func (s *RedisPendingStore) Get(ctx context.Context, reference string) (*PendingPayment, error) {
	return decodePending(s.client.Get(ctx, s.pendingKey(reference)).Result())
}

// Take uses GETDEL so the reservation is handed out at most once across instances.
func (s *RedisPendingStore) Take(ctx context.Context, reference string) (*PendingPayment, error) {
	return decodePending(s.client.GetDel(ctx, s.pendingKey(reference)).Result())
}

func decodePending(result string, err error) (*PendingPayment, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	var p PendingPayment
	if err := json.Unmarshal([]byte(result), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkUsed uses SETNX so concurrent verifications of one proof cannot both succeed.
func (s *RedisPendingStore) MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.usedKey(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

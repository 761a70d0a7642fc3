package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) store(key string, value interface{}, expiration time.Duration) {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	default:
		f.data[key] = fmt.Sprint(v)
	}
	f.ttls[key] = expiration
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(key, value, expiration)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.store(key, value, expiration)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) GetDel(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	delete(f.data, key)
	return redis.NewStringResult(v, nil)
}

func TestRedisPendingStoreRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	store := NewRedisPendingStore(fake, "")
	ctx := context.Background()

	p := PendingPayment{Reference: "pay_1", Amount: 3000, ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("Put returned err: %v", err)
	}
	if ttl := fake.ttls["payments:pending:pay_1"]; ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl bounded by expiry, got %s", ttl)
	}

	got, err := store.Get(ctx, "pay_1")
	if err != nil {
		t.Fatalf("Get returned err: %v", err)
	}
	if got.Amount != 3000 {
		t.Fatalf("expected amount 3000, got %d", got.Amount)
	}

	taken, err := store.Take(ctx, "pay_1")
	if err != nil {
		t.Fatalf("Take returned err: %v", err)
	}
	if taken.Amount != 3000 {
		t.Fatalf("expected taken amount 3000, got %d", taken.Amount)
	}
	if _, err := store.Take(ctx, "pay_1"); !errors.Is(err, ErrPendingNotFound) {
		t.Fatalf("expected second Take to miss, got %v", err)
	}
	if _, err := store.Get(ctx, "pay_1"); !errors.Is(err, ErrPendingNotFound) {
		t.Fatalf("expected ErrPendingNotFound, got %v", err)
	}
}

func TestRedisPendingStoreRejectsExpiredReservation(t *testing.T) {
	store := NewRedisPendingStore(newFakeRedis(), "meterpay")
	err := store.Put(context.Background(), PendingPayment{Reference: "pay_2", Amount: 1, ExpiresAt: time.Now().Add(-time.Second)})
	if err == nil {
		t.Fatalf("expected error for expired reservation")
	}
}

func TestRedisPendingStoreMarkUsedOnce(t *testing.T) {
	fake := newFakeRedis()
	store := NewRedisPendingStore(fake, "meterpay")
	ctx := context.Background()

	first, err := store.MarkUsed(ctx, "0xabc", time.Hour)
	if err != nil || !first {
		t.Fatalf("expected first mark to succeed, got %v %v", first, err)
	}
	second, err := store.MarkUsed(ctx, "0xabc", time.Hour)
	if err != nil || second {
		t.Fatalf("expected replay to be refused, got %v %v", second, err)
	}
	if _, ok := fake.data["meterpay:used:0xabc"]; !ok {
		t.Fatalf("expected namespaced replay key")
	}
}

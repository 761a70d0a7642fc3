package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meterpay/backend/services/meter-server/internal/session"
)

// ActiveSession stored in redis so other instances can see who is metering where.
type ActiveSession struct {
	SessionID      string    `json:"session_id"`
	ConnID         string    `json:"conn_id"`
	UserID         string    `json:"user_id"`
	ResourceID     string    `json:"resource_id,omitempty"`
	Instance       string    `json:"instance"`
	Currency       string    `json:"currency"`
	PaidAmount     int64     `json:"paid_amount"`
	PricePerSecond int64     `json:"price_per_second"`
	StartedAt      time.Time `json:"started_at"`
}

// Store manages the active session mirror.
type Store struct {
	client   redis.Cmdable
	ttl      time.Duration
	instance string
}

// NewStore returns redis-backed store. Entries expire after ttl so a crashed instance
// does not leave sessions behind forever.
func NewStore(client redis.Cmdable, ttl time.Duration, instance string) *Store {
	return &Store{client: client, ttl: ttl, instance: instance}
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("meterpay:sessions:active:%s", sessionID)
}

// Save mirrors a freshly paid session.
func (s *Store) Save(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(ActiveSession{
		SessionID:      snap.ID,
		ConnID:         snap.ConnID,
		UserID:         snap.UserID,
		ResourceID:     snap.ResourceID,
		Instance:       s.instance,
		Currency:       snap.Currency,
		PaidAmount:     snap.PaidAmount,
		PricePerSecond: snap.PricePerSecond,
		StartedAt:      snap.StartedAt,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snap.ID), data, s.ttl).Err()
}

// Get returns a mirrored session. redis.Nil is returned when it is not active anywhere.
func (s *Store) Get(ctx context.Context, sessionID string) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var active ActiveSession
	if err := json.Unmarshal([]byte(result), &active); err != nil {
		return nil, err
	}
	return &active, nil
}

// Delete removes a mirrored session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

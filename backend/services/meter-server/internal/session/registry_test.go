package session

import (
	"errors"
	"testing"
	"time"
)

func testSession(id, connID, userID string, startedAt time.Time) *Session {
	return newSession(params{
		ID:             id,
		ConnID:         connID,
		UserID:         userID,
		StartedAt:      startedAt,
		PaidAmount:     100,
		PricePerSecond: 1,
		MaxDuration:    time.Hour,
	})
}

func TestRegistryLookups(t *testing.T) {
	registry := NewRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := testSession("s1", "c1", "alice", base)
	second := testSession("s2", "c2", "alice", base.Add(time.Minute))
	third := testSession("s3", "c3", "bob", base.Add(2*time.Minute))
	for _, s := range []*Session{second, first, third} {
		if err := registry.Create(s.ConnID(), s); err != nil {
			t.Fatalf("create %s: %v", s.ID(), err)
		}
	}

	if err := registry.Create("c1", testSession("s4", "c1", "carol", base)); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	if s, ok := registry.Get("c2"); !ok || s.ID() != "s2" {
		t.Fatalf("get c2 returned %v %v", s, ok)
	}
	if s, ok := registry.FindByUserID("alice"); !ok || s.ID() != "s1" {
		t.Fatalf("expected oldest alice session, got %v", s)
	}
	if _, ok := registry.FindByUserID("dave"); ok {
		t.Fatalf("unexpected session for dave")
	}
	connID, s, ok := registry.FindBySessionID("s3")
	if !ok || connID != "c3" || s.UserID() != "bob" {
		t.Fatalf("find by session id returned %s %v %v", connID, s, ok)
	}

	all := registry.All()
	if len(all) != 3 || all[0].ID != "s1" || all[2].ID != "s3" {
		t.Fatalf("unexpected snapshot order: %+v", all)
	}

	registry.Remove("c1")
	if registry.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", registry.Len())
	}
}

func TestRegistryReleaseKeepsReplacement(t *testing.T) {
	registry := NewRegistry()
	old := testSession("s1", "c1", "alice", time.Now())
	replacement := testSession("s2", "c1", "alice", time.Now())

	if err := registry.Create("c1", old); err != nil {
		t.Fatalf("create: %v", err)
	}
	registry.Remove("c1")
	if err := registry.Create("c1", replacement); err != nil {
		t.Fatalf("create replacement: %v", err)
	}

	registry.release("c1", old)
	if s, ok := registry.Get("c1"); !ok || s != replacement {
		t.Fatalf("release removed a session it did not own")
	}
	registry.release("c1", replacement)
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

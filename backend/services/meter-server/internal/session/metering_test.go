package session

import (
	"testing"
	"time"
)

func TestMeasureRecomputesFromStart(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	usage := Measure(start, start.Add(120*time.Second+900*time.Millisecond), 5, 3000, time.Hour)
	if usage.ElapsedSeconds != 120 || usage.ConsumedAmount != 600 || usage.RemainingBalance != 2400 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if usage.Exhausted() || usage.MaxDurationReached() {
		t.Fatalf("usage should be neither exhausted nor capped: %+v", usage)
	}

	before := Measure(start, start.Add(-5*time.Second), 5, 3000, time.Hour)
	if before.ElapsedSeconds != 0 || before.ConsumedAmount != 0 {
		t.Fatalf("elapsed time must not go negative: %+v", before)
	}
}

func TestMeasureDoesNotClampRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	usage := Measure(start, start.Add(310*time.Second), 10, 3000, time.Hour)
	if usage.RemainingBalance != -100 {
		t.Fatalf("expected negative remaining balance, got %d", usage.RemainingBalance)
	}
	if !usage.Exhausted() {
		t.Fatalf("expected exhaustion")
	}
	if refund := Refund(3000, usage.ConsumedAmount); refund != 0 {
		t.Fatalf("refund must clamp to zero, got %d", refund)
	}

	exact := Measure(start, start.Add(300*time.Second), 10, 3000, time.Hour)
	if !exact.Exhausted() || exact.RemainingBalance != 0 {
		t.Fatalf("zero remaining must count as exhausted: %+v", exact)
	}
}

func TestMeasureCapsAtMaxDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	usage := Measure(start, start.Add(75*time.Second), 5, 3000, time.Minute)
	if usage.ElapsedSeconds != 60 || usage.ConsumedAmount != 300 {
		t.Fatalf("elapsed must cap at max duration: %+v", usage)
	}
	if !usage.MaxDurationReached() {
		t.Fatalf("expected max duration reached")
	}
	if refund := Refund(3000, usage.ConsumedAmount); refund != 2700 {
		t.Fatalf("expected refund 2700, got %d", refund)
	}
}

func TestConsumedIsExactProductAcrossTicks(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	const price = 7
	var lastRemaining int64 = 1 << 62

	for ms := int64(0); ms <= 600_000; ms += 2_950 {
		usage := Measure(start, start.Add(time.Duration(ms)*time.Millisecond), price, 1<<62, 0)
		if usage.ConsumedAmount != usage.ElapsedSeconds*price {
			t.Fatalf("consumed %d != elapsed %d x price", usage.ConsumedAmount, usage.ElapsedSeconds)
		}
		if usage.RemainingBalance > lastRemaining {
			t.Fatalf("remaining balance increased from %d to %d", lastRemaining, usage.RemainingBalance)
		}
		lastRemaining = usage.RemainingBalance
	}
}

func TestSessionMeasureIsMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sess := newSession(params{ID: "s1", ConnID: "c1", StartedAt: start, PaidAmount: 100, PricePerSecond: 1, MaxDuration: time.Hour})

	if _, _, ok := sess.measure(start.Add(10 * time.Second)); !ok {
		t.Fatalf("active session must measure")
	}
	usage, _, _ := sess.measure(start.Add(4 * time.Second))
	if usage.ElapsedSeconds != 10 || usage.ConsumedAmount != 10 {
		t.Fatalf("elapsed moved backwards: %+v", usage)
	}

	snap, ok := sess.finish(start.Add(12 * time.Second))
	if !ok || snap.Status != StatusEnded || snap.ConsumedAmount != 12 {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
	if _, ok := sess.finish(start.Add(20 * time.Second)); ok {
		t.Fatalf("finish must succeed only once")
	}
	if _, _, ok := sess.measure(start.Add(30 * time.Second)); ok {
		t.Fatalf("ended session must not measure")
	}
	if sess.RecordInbound(10) {
		t.Fatalf("ended session must not count inbound data")
	}
}

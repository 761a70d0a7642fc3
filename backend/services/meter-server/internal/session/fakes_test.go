package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"meterpay/backend/services/meter-server/internal/payment"
)

type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	tickers []*manualTicker
}

type manualTimer struct {
	at    time.Time
	ch    chan time.Time
	fired bool
}

type manualTicker struct {
	clock   *manualClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &manualTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, timer)
	return timer.ch
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticker := &manualTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, ticker)
	return ticker
}

// Advance moves time forward. Like time.Ticker, ticks that find the channel full are dropped.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, timer := range c.timers {
		if !timer.fired && !c.now.Before(timer.at) {
			timer.fired = true
			timer.ch <- c.now
		}
	}
	for _, ticker := range c.tickers {
		for !ticker.stopped && !c.now.Before(ticker.next) {
			select {
			case ticker.ch <- ticker.next:
			default:
			}
			ticker.next = ticker.next.Add(ticker.period)
		}
	}
}

func (c *manualClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, timer := range c.timers {
		if !timer.fired {
			n++
		}
	}
	return n
}

func (c *manualClock) liveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ticker := range c.tickers {
		if !ticker.stopped {
			n++
		}
	}
	return n
}

func (t *manualTicker) C() <-chan time.Time {
	return t.ch
}

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type fakeConn struct {
	id      string
	hs      Handshake
	inbound chan []byte

	peerOnce sync.Once
	peerGone chan struct{}
	peerErr  error

	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	sent        []any
	closeCode   int
	closeReason string
	sendErr     error
}

func newFakeConn(id string, query string) *fakeConn {
	values, _ := url.ParseQuery(query)
	return &fakeConn{
		id:       id,
		hs:       Handshake{Query: values},
		inbound:  make(chan []byte),
		peerGone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ID() string {
	return f.id
}

func (f *fakeConn) Handshake() Handshake {
	return f.hs
}

func (f *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.peerGone:
		return nil, f.peerErr
	case <-f.closed:
		return nil, fmt.Errorf("%w: closed locally", ErrConnClosed)
	}
}

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	select {
	case <-f.closed:
		return errors.New("fake conn: send after close")
	default:
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// push delivers a client frame, failing the test if nobody reads it.
func (f *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("frame %q was not read", frame)
	}
}

func (f *fakeConn) pay(t *testing.T, reference string, amount int64) {
	t.Helper()
	f.push(t, fmt.Sprintf(`{"type":"payment_proof","proof":{"reference":%q,"amount":%d}}`, reference, amount))
}

// hangUp simulates the peer going away with err (ErrConnClosed for a clean close).
func (f *fakeConn) hangUp(err error) {
	f.peerOnce.Do(func() {
		f.peerErr = err
		close(f.peerGone)
	})
}

func (f *fakeConn) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) closeState() (int, bool) {
	select {
	case <-f.closed:
	default:
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, true
}

type fakeBackend struct {
	mu           sync.Mutex
	verification *payment.Verification
	verifyErr    error
	verifyBlock  chan struct{}
	refundErr    error
	refunds      []int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (b *fakeBackend) Quote(_ context.Context, amount int64) (*payment.Quote, error) {
	return &payment.Quote{Reference: "q1", Amount: amount, Currency: "wei"}, nil
}

func (b *fakeBackend) Verify(_ context.Context, raw json.RawMessage) (*payment.Verification, error) {
	b.mu.Lock()
	block := b.verifyBlock
	verification, err := b.verification, b.verifyErr
	b.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if verification != nil {
		return verification, nil
	}
	var proof payment.MockProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return &payment.Verification{Valid: false, Reason: "malformed proof"}, nil
	}
	return &payment.Verification{Valid: true, Amount: proof.Amount, Payer: "payer-" + proof.Reference}, nil
}

func (b *fakeBackend) Refund(_ context.Context, _ json.RawMessage, amount int64) (*payment.RefundReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refunds = append(b.refunds, amount)
	if b.refundErr != nil {
		return nil, b.refundErr
	}
	return &payment.RefundReceipt{TxID: fmt.Sprintf("refund-%d", len(b.refunds)), Amount: amount}, nil
}

func (b *fakeBackend) refundCalls() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.refunds))
	copy(out, b.refunds)
	return out
}

type recorder struct {
	mu          sync.Mutex
	events      []Event
	verified    []Snapshot
	refunded    []*payment.RefundReceipt
	settlements []Settlement
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnPaymentVerified: func(s Snapshot) {
			r.mu.Lock()
			r.verified = append(r.verified, s)
			r.mu.Unlock()
		},
		OnRefundIssued: func(_ Snapshot, receipt *payment.RefundReceipt) {
			r.mu.Lock()
			r.refunded = append(r.refunded, receipt)
			r.mu.Unlock()
		},
		OnSessionEnd: func(st Settlement) {
			r.mu.Lock()
			r.settlements = append(r.settlements, st)
			r.mu.Unlock()
		},
		OnEvent: func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) event(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) settled() []Settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Settlement, len(r.settlements))
	copy(out, r.settlements)
	return out
}

type harness struct {
	t         *testing.T
	clock     *manualClock
	backend   *fakeBackend
	recorder  *recorder
	registry  *Registry
	lifecycle *Lifecycle
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	seq := 0
	prevID := newSessionID
	newSessionID = func() string {
		seq++
		return fmt.Sprintf("sess-%d", seq)
	}
	t.Cleanup(func() { newSessionID = prevID })

	h := &harness{
		t:        t,
		clock:    newManualClock(),
		backend:  newFakeBackend(),
		recorder: &recorder{},
		registry: NewRegistry(),
	}
	cfg.Clock = h.clock
	cfg.Hooks = h.recorder.hooks()
	lifecycle, err := NewLifecycle(cfg, h.registry, h.backend, nil)
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	h.lifecycle = lifecycle
	return h
}

func (h *harness) serve(ctx context.Context, conn *fakeConn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.lifecycle.Serve(ctx, conn)
	}()
	return done
}

func (h *harness) awaitMessages(conn *fakeConn, n int) []any {
	h.t.Helper()
	waitFor(h.t, 2*time.Second, func() bool { return conn.messageCount() >= n })
	return conn.messages()
}

// advanceTicks moves the clock one interval at a time, waiting for each usage update.
func (h *harness) advanceTicks(conn *fakeConn, interval time.Duration, ticks int) {
	h.t.Helper()
	for i := 0; i < ticks; i++ {
		want := conn.messageCount() + 1
		h.clock.Advance(interval)
		h.awaitMessages(conn, want)
	}
}

func awaitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

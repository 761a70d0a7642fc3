package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/payment"
	"meterpay/backend/services/meter-server/internal/protocol"
)

const (
	DefaultUpdateInterval           = 3 * time.Second
	DefaultPricePerSecond     int64 = 1
	DefaultCurrency                 = "wei"
	DefaultMaxSessionDuration       = time.Hour
	DefaultProofTimeout             = 30 * time.Second
	DefaultVerifyTimeout            = 15 * time.Second
	DefaultRefundTimeout            = 30 * time.Second

	// AnonymousUserID is used when the handshake names no user.
	AnonymousUserID = "anonymous"
)

var newSessionID = func() string {
	return uuid.NewString()
}

// Handshake is the metadata of a connection request.
type Handshake struct {
	Query      url.Values
	Header     http.Header
	RemoteAddr string
}

// ResourceID returns the resource the client asked to meter.
func (h Handshake) ResourceID() string {
	return strings.TrimSpace(h.Query.Get("resourceId"))
}

// DefaultUserID reads userId or user_id from the query.
func DefaultUserID(h Handshake) string {
	for _, key := range []string{"userId", "user_id"} {
		if v := strings.TrimSpace(h.Query.Get(key)); v != "" {
			return v
		}
	}
	return AnonymousUserID
}

// Conn is one client connection as seen by the lifecycle.
type Conn interface {
	ID() string
	Handshake() Handshake
	// Read blocks until the next client frame. A clean close by the peer yields an
	// error wrapping ErrConnClosed.
	Read() ([]byte, error)
	// Send queues v for delivery. Messages are delivered in order.
	Send(v any) error
	// Close delivers queued messages, then the close code. CloseAbnormal drops the
	// connection without a close frame. Close is idempotent.
	Close(code int, reason string) error
}

// Config tunes metering and settlement.
type Config struct {
	UpdateInterval     time.Duration
	PricePerSecond     int64
	ResourcePrices     map[string]int64
	Currency           string
	MaxSessionDuration time.Duration
	ProofTimeout       time.Duration
	VerifyTimeout      time.Duration
	RefundTimeout      time.Duration
	UserIDExtractor    func(Handshake) string
	Tokens             TokenIssuer
	Hooks              Hooks
	Clock              Clock
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.PricePerSecond == 0 {
		c.PricePerSecond = DefaultPricePerSecond
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if c.ProofTimeout <= 0 {
		c.ProofTimeout = DefaultProofTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.RefundTimeout <= 0 {
		c.RefundTimeout = DefaultRefundTimeout
	}
	if c.UserIDExtractor == nil {
		c.UserIDExtractor = DefaultUserID
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	return c
}

// Lifecycle runs the per-connection state machine: await proof, verify, meter, settle.
type Lifecycle struct {
	cfg      Config
	registry *Registry
	backend  payment.Backend
	clock    Clock
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewLifecycle validates cfg and binds the registry and payment backend.
func NewLifecycle(cfg Config, registry *Registry, backend payment.Backend, logger *zap.Logger) (*Lifecycle, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrConfiguration)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: payment backend is required", ErrConfiguration)
	}
	cfg = cfg.withDefaults()
	if cfg.PricePerSecond < 0 {
		return nil, fmt.Errorf("%w: price per second must not be negative", ErrConfiguration)
	}
	for resource, price := range cfg.ResourcePrices {
		if price < 0 {
			return nil, fmt.Errorf("%w: price of %q must not be negative", ErrConfiguration, resource)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
		clock:    cfg.Clock,
		logger:   logger,
	}, nil
}

// Registry returns the registry sessions are published to.
func (l *Lifecycle) Registry() *Registry {
	return l.registry
}

// PriceFor returns the per-second price of resourceID.
func (l *Lifecycle) PriceFor(resourceID string) int64 {
	if price, ok := l.cfg.ResourcePrices[resourceID]; ok && price > 0 {
		return price
	}
	return l.cfg.PricePerSecond
}

// Terminate ends a session through the normal settlement path.
func (l *Lifecycle) Terminate(sessionID string) error {
	_, sess, ok := l.registry.FindBySessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.requestStop()
	return nil
}

// Wait blocks until every connection being served has settled.
func (l *Lifecycle) Wait() {
	l.wg.Wait()
}

// Serve runs the lifecycle of conn until the connection ends and its session, if any,
// is settled. The returned error says why the connection ended; nil means the client
// closed a paid session cleanly.
func (l *Lifecycle) Serve(ctx context.Context, conn Conn) (err error) {
	l.wg.Add(1)
	defer l.wg.Done()

	hs := conn.Handshake()
	userID := l.cfg.UserIDExtractor(hs)
	if userID == "" {
		userID = AnonymousUserID
	}
	logger := l.logger.With(zap.String("conn_id", conn.ID()), zap.String("user_id", userID))

	frames := make(chan []byte)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	defer conn.Close(protocol.CloseNormal, "")
	go readLoop(conn, frames, readErrs, done)

	var sess *Session
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic: %v", r)
			logger.Error("lifecycle panic", zap.Any("panic", r), zap.Stack("stack"))
			l.emit(Event{Type: EventError, ConnID: conn.ID(), Err: err})
			_ = conn.Close(protocol.CloseInternalError, "internal error")
			if sess != nil {
				l.settle(sess, err, logger)
			}
		}
	}()

	proof, err := l.awaitProof(ctx, conn, frames, readErrs, logger)
	if err != nil {
		return err
	}

	sess, err = l.activate(ctx, conn, hs, userID, proof, logger)
	if err != nil {
		return err
	}
	// from here on a panic reaches the recover above with sess set and is settled there
	logger = logger.With(zap.String("session_id", sess.ID()))
	ticker, err := l.start(conn, sess, logger)
	if err != nil {
		return err
	}

	cause := l.meter(ctx, conn, sess, ticker, frames, readErrs, logger)
	l.settle(sess, cause, logger)
	return cause
}

func readLoop(conn Conn, frames chan<- []byte, errs chan<- error, done <-chan struct{}) {
	for {
		data, err := conn.Read()
		if err != nil {
			errs <- err
			return
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

func (l *Lifecycle) awaitProof(ctx context.Context, conn Conn, frames <-chan []byte, readErrs <-chan error, logger *zap.Logger) (json.RawMessage, error) {
	timeout := l.clock.After(l.cfg.ProofTimeout)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(protocol.CloseGoingAway, "server shutting down")
			return nil, ctx.Err()
		case <-timeout:
			logger.Info("payment proof not received", zap.Duration("timeout", l.cfg.ProofTimeout))
			_ = conn.Close(protocol.CloseAbnormal, "")
			l.emit(Event{Type: EventRejected, ConnID: conn.ID(), Err: ErrProofTimeout})
			return nil, ErrProofTimeout
		case err := <-readErrs:
			logger.Debug("connection closed before payment", zap.Error(err))
			return nil, transportErr(err)
		case data := <-frames:
			msg, err := protocol.Parse(data)
			if err != nil {
				logger.Debug("ignoring malformed frame before payment", zap.Error(err))
				continue
			}
			if msg.Type != protocol.TypePaymentProof {
				logger.Debug("ignoring frame before payment", zap.String("type", msg.Type))
				continue
			}
			proof, err := protocol.ParsePaymentProof(msg)
			if err != nil {
				return nil, l.reject(conn, "malformed payment proof", err, logger)
			}
			return proof, nil
		}
	}
}

// activate verifies proof and registers the resulting session.
func (l *Lifecycle) activate(ctx context.Context, conn Conn, hs Handshake, userID string, proof json.RawMessage, logger *zap.Logger) (*Session, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, l.cfg.VerifyTimeout)
	result, err := callBounded(verifyCtx, func(ctx context.Context) (*payment.Verification, error) {
		return l.backend.Verify(ctx, proof)
	})
	cancel()
	if err != nil {
		logger.Warn("payment verification error", zap.Error(err))
		return nil, l.reject(conn, "payment verification unavailable", err, logger)
	}
	if result == nil || !result.Valid {
		reason := "payment not accepted"
		if result != nil && result.Reason != "" {
			reason = result.Reason
		}
		return nil, l.reject(conn, reason, nil, logger)
	}
	if result.Amount <= 0 {
		return nil, l.reject(conn, "invalid payment amount", nil, logger)
	}

	resourceID := hs.ResourceID()
	sess := newSession(params{
		ID:             newSessionID(),
		ConnID:         conn.ID(),
		UserID:         userID,
		ResourceID:     resourceID,
		Currency:       l.cfg.Currency,
		Payer:          result.Payer,
		Proof:          proof,
		StartedAt:      l.clock.Now(),
		PaidAmount:     result.Amount,
		PricePerSecond: l.PriceFor(resourceID),
		MaxDuration:    l.cfg.MaxSessionDuration,
	})
	if err := l.registry.Create(conn.ID(), sess); err != nil {
		logger = logger.With(zap.String("session_id", sess.ID()))
		logger.Error("failed to register session", zap.Error(err))
		snap := sess.Snapshot()
		l.emit(Event{Type: EventError, ConnID: conn.ID(), Session: &snap, Err: err})
		_ = conn.Close(protocol.CloseInternalError, "internal error")
		l.settle(sess, err, logger)
		return nil, err
	}

	return sess, nil
}

// start announces a registered session to the client and its observers.
func (l *Lifecycle) start(conn Conn, sess *Session, logger *zap.Logger) (Ticker, error) {
	ticker := l.clock.NewTicker(l.cfg.UpdateInterval)
	snap := sess.Snapshot()
	started := protocol.NewSessionStarted(snap.ID, snap.PaidAmount, snap.PricePerSecond, snap.Currency)
	if token, err := l.issueToken(snap); err != nil {
		logger.Warn("failed to issue access token", zap.Error(err))
	} else {
		started.AccessToken = token
	}

	if err := conn.Send(started); err != nil {
		ticker.Stop()
		cause := transportErr(err)
		l.settle(sess, cause, logger)
		return nil, cause
	}
	logger.Info("session started",
		zap.Int64("paid_amount", snap.PaidAmount),
		zap.Int64("price_per_second", snap.PricePerSecond),
		zap.String("resource_id", snap.ResourceID),
	)

	hookErr := l.callHook("on_payment_verified", conn.ID(), &snap, func() {
		if h := l.cfg.Hooks.OnPaymentVerified; h != nil {
			h(snap)
		}
	})
	if hookErr != nil {
		ticker.Stop()
		_ = conn.Close(protocol.CloseInternalError, "internal error")
		l.settle(sess, hookErr, logger)
		return nil, hookErr
	}
	return ticker, nil
}

func (l *Lifecycle) issueToken(snap Snapshot) (token string, err error) {
	if l.cfg.Tokens == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: token issuer panic: %v", r)
		}
	}()
	return l.cfg.Tokens.Issue(snap)
}

func (l *Lifecycle) reject(conn Conn, reason string, cause error, logger *zap.Logger) error {
	logger.Info("payment rejected", zap.String("reason", reason))
	_ = conn.Send(protocol.NewPaymentRejected(reason))
	_ = conn.Close(protocol.ClosePolicyViolation, "payment rejected")
	err := &VerificationError{Reason: reason, Err: cause}
	l.emit(Event{Type: EventRejected, ConnID: conn.ID(), Err: err})
	return err
}

// meter runs the active phase. It returns what ended the session, with the ticker stopped.
func (l *Lifecycle) meter(ctx context.Context, conn Conn, sess *Session, ticker Ticker, frames <-chan []byte, readErrs <-chan error, logger *zap.Logger) (cause error) {
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			ticker.Stop()
			cause = fmt.Errorf("session: panic: %v", r)
			logger.Error("metering panic", zap.Any("panic", r), zap.Stack("stack"))
			snap := sess.Snapshot()
			l.emit(Event{Type: EventError, ConnID: conn.ID(), Session: &snap, Err: cause})
			_ = conn.Close(protocol.CloseInternalError, "internal error")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			_ = conn.Close(protocol.CloseGoingAway, "server shutting down")
			return ctx.Err()
		case <-sess.stop:
			ticker.Stop()
			_ = conn.Close(protocol.CloseNormal, "session terminated")
			return ErrTerminated
		case err := <-readErrs:
			ticker.Stop()
			if errors.Is(err, ErrConnClosed) {
				return nil
			}
			cause := transportErr(err)
			logger.Warn("connection failed", zap.Error(err))
			snap := sess.Snapshot()
			l.emit(Event{Type: EventError, ConnID: conn.ID(), Session: &snap, Err: cause})
			return cause
		case data := <-frames:
			sess.RecordInbound(len(data))
		case now := <-ticker.C():
			if ended, cause := l.tick(conn, sess, ticker, now); ended {
				return cause
			}
		}
	}
}

func (l *Lifecycle) tick(conn Conn, sess *Session, ticker Ticker, now time.Time) (bool, error) {
	usage, snap, ok := sess.measure(now)
	if !ok {
		ticker.Stop()
		return true, nil
	}
	update := protocol.UsageUpdate{
		Type:             protocol.TypeUsageUpdate,
		SessionID:        snap.ID,
		ElapsedSeconds:   usage.ElapsedSeconds,
		ConsumedAmount:   usage.ConsumedAmount,
		RemainingBalance: usage.RemainingBalance,
		BytesTransferred: snap.BytesTransferred,
		MessageCount:     snap.MessageCount,
	}
	if err := conn.Send(update); err != nil {
		ticker.Stop()
		return true, transportErr(err)
	}

	switch {
	case usage.Exhausted():
		ticker.Stop()
		_ = conn.Send(protocol.NewBalanceExhausted())
		_ = conn.Close(protocol.CloseNormal, "balance exhausted")
		return true, ErrBalanceExhausted
	case usage.MaxDurationReached():
		ticker.Stop()
		_ = conn.Send(protocol.NewMaxDurationReached())
		_ = conn.Close(protocol.CloseNormal, "max duration reached")
		return true, ErrMaxDurationReached
	}
	return false, nil
}

// settle closes out sess exactly once: final measurement at the close timestamp,
// refund of the unused balance, hooks, then registry removal.
func (l *Lifecycle) settle(sess *Session, cause error, logger *zap.Logger) {
	snap, ok := sess.finish(l.clock.Now())
	if !ok {
		return
	}

	st := Settlement{
		Session:      snap,
		Proof:        sess.paymentProof(),
		RefundAmount: Refund(snap.PaidAmount, snap.ConsumedAmount),
		Cause:        cause,
	}
	if st.RefundAmount > 0 {
		refundCtx, cancel := context.WithTimeout(context.Background(), l.cfg.RefundTimeout)
		receipt, err := callBounded(refundCtx, func(ctx context.Context) (*payment.RefundReceipt, error) {
			return l.backend.Refund(ctx, sess.paymentProof(), st.RefundAmount)
		})
		cancel()
		if err == nil && receipt == nil {
			receipt = &payment.RefundReceipt{Amount: st.RefundAmount, Payer: snap.Payer}
		}

		if err != nil {
			st.RefundErr = fmt.Errorf("%w: %w", ErrRefundFailed, err)
			logger.Error("refund failed", zap.Int64("amount", st.RefundAmount), zap.Error(err))
			l.emit(Event{Type: EventRefundError, ConnID: snap.ConnID, Session: &snap, Amount: st.RefundAmount, Err: st.RefundErr})
		} else {
			st.Receipt = receipt
			logger.Info("refund issued", zap.Int64("amount", st.RefundAmount), zap.String("tx_id", receipt.TxID))
			l.emit(Event{Type: EventRefund, ConnID: snap.ConnID, Session: &snap, Amount: st.RefundAmount, Receipt: receipt})
			_ = l.callHook("on_refund_issued", snap.ConnID, &snap, func() {
				if h := l.cfg.Hooks.OnRefundIssued; h != nil {
					h(snap, receipt)
				}
			})
		}
	}

	_ = l.callHook("on_session_end", snap.ConnID, &snap, func() {
		if h := l.cfg.Hooks.OnSessionEnd; h != nil {
			h(st)
		}
	})
	l.emit(Event{Type: EventSessionEnd, ConnID: snap.ConnID, Session: &snap, Amount: st.RefundAmount, Err: cause})
	l.registry.release(snap.ConnID, sess)

	logger.Info("session ended",
		zap.String("reason", EndReason(cause)),
		zap.Int64("elapsed_seconds", snap.ElapsedSeconds),
		zap.Int64("consumed_amount", snap.ConsumedAmount),
		zap.Int64("refund_amount", st.RefundAmount),
	)
}

func (l *Lifecycle) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = l.clock.Now()
	}
	h := l.cfg.Hooks.OnEvent
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event hook panic", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	h(ev)
}

func (l *Lifecycle) callHook(name, connID string, snap *Snapshot, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: %s hook panic: %v", name, r)
			l.logger.Error("hook panic", zap.String("hook", name), zap.Any("panic", r))
			l.emit(Event{Type: EventError, ConnID: connID, Session: snap, Err: err})
		}
	}()
	fn()
	return nil
}

// callBounded runs fn but stops waiting once ctx is done, so a backend that ignores
// its context cannot wedge the connection. Panics become errors.
func callBounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func transportErr(err error) error {
	if errors.Is(err, ErrConnClosed) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// EndReason classifies what ended a session.
func EndReason(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, ErrConnClosed):
		return "client_closed"
	case errors.Is(cause, ErrBalanceExhausted):
		return "balance_exhausted"
	case errors.Is(cause, ErrMaxDurationReached):
		return "max_duration"
	case errors.Is(cause, ErrTerminated):
		return "terminated"
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(cause, ErrTransport):
		return "transport_error"
	default:
		return "internal_error"
	}
}

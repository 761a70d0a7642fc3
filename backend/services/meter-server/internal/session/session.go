package session

import (
	"encoding/json"
	"sync"
	"time"
)

// Status of a paid session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the server-side record of one paid, metered connection.
type Session struct {
	mu sync.Mutex

	id             string
	connID         string
	userID         string
	resourceID     string
	currency       string
	payer          string
	proof          json.RawMessage
	startedAt      time.Time
	endedAt        time.Time
	paidAmount     int64
	pricePerSecond int64
	maxDuration    time.Duration

	elapsedSeconds   int64
	consumedAmount   int64
	bytesTransferred int64
	messageCount     int64
	status           Status

	stop     chan struct{}
	stopOnce sync.Once
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID               string    `json:"sessionId"`
	ConnID           string    `json:"connId"`
	UserID           string    `json:"userId"`
	ResourceID       string    `json:"resourceId,omitempty"`
	Currency         string    `json:"currency"`
	Payer            string    `json:"payer,omitempty"`
	Status           Status    `json:"status"`
	StartedAt        time.Time `json:"startedAt"`
	EndedAt          time.Time `json:"endedAt"`
	PaidAmount       int64     `json:"paidAmount"`
	PricePerSecond   int64     `json:"pricePerSecond"`
	ElapsedSeconds   int64     `json:"elapsedSeconds"`
	ConsumedAmount   int64     `json:"consumedAmount"`
	RemainingBalance int64     `json:"remainingBalance"`
	BytesTransferred int64     `json:"bytesTransferred"`
	MessageCount     int64     `json:"messageCount"`
}

type params struct {
	ID             string
	ConnID         string
	UserID         string
	ResourceID     string
	Currency       string
	Payer          string
	Proof          json.RawMessage
	StartedAt      time.Time
	PaidAmount     int64
	PricePerSecond int64
	MaxDuration    time.Duration
}

func newSession(p params) *Session {
	return &Session{
		id:             p.ID,
		connID:         p.ConnID,
		userID:         p.UserID,
		resourceID:     p.ResourceID,
		currency:       p.Currency,
		payer:          p.Payer,
		proof:          p.Proof,
		startedAt:      p.StartedAt,
		paidAmount:     p.PaidAmount,
		pricePerSecond: p.PricePerSecond,
		maxDuration:    p.MaxDuration,
		status:         StatusActive,
		stop:           make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// ConnID returns the connection the session is bound to.
func (s *Session) ConnID() string {
	return s.connID
}

// UserID returns the user extracted from the handshake.
func (s *Session) UserID() string {
	return s.userID
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

// RecordInbound counts one inbound message of size bytes. Ended sessions ignore it.
func (s *Session) RecordInbound(size int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.bytesTransferred += int64(size)
	s.messageCount++
	return true
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:               s.id,
		ConnID:           s.connID,
		UserID:           s.userID,
		ResourceID:       s.resourceID,
		Currency:         s.currency,
		Payer:            s.payer,
		Status:           s.status,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		PaidAmount:       s.paidAmount,
		PricePerSecond:   s.pricePerSecond,
		ElapsedSeconds:   s.elapsedSeconds,
		ConsumedAmount:   s.consumedAmount,
		RemainingBalance: s.paidAmount - s.consumedAmount,
		BytesTransferred: s.bytesTransferred,
		MessageCount:     s.messageCount,
	}
}

// measure updates time and consumption at now. Elapsed time never moves backwards.
func (s *Session) measure(now time.Time) (Usage, Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return Usage{}, Snapshot{}, false
	}
	usage := s.applyLocked(now)
	return usage, s.snapshotLocked(), true
}

func (s *Session) applyLocked(now time.Time) Usage {
	usage := Measure(s.startedAt, now, s.pricePerSecond, s.paidAmount, s.maxDuration)
	if usage.ElapsedSeconds < s.elapsedSeconds {
		usage = usageAt(s.elapsedSeconds, s.pricePerSecond, s.paidAmount, int64(s.maxDuration/time.Second))
	}
	s.elapsedSeconds = usage.ElapsedSeconds
	s.consumedAmount = usage.ConsumedAmount
	return usage
}

// finish measures one last time at now and flips the status to ended. Only the first
// call returns true.
func (s *Session) finish(now time.Time) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return Snapshot{}, false
	}
	s.applyLocked(now)
	s.status = StatusEnded
	s.endedAt = now
	return s.snapshotLocked(), true
}

func (s *Session) paymentProof() json.RawMessage {
	return s.proof
}

// requestStop asks the serving loop to end the session.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager tracks client connections and keeps them alive.
type Manager struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewManager builds connection manager.
func NewManager(pingInterval time.Duration, logger *zap.Logger) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		connections:  make(map[string]*Connection),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Add registers new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

// Remove removes connection.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
}

// Get returns the connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CloseAll closes every tracked connection with code.
func (m *Manager) CloseAll(code int, reason string) {
	for _, conn := range m.snapshot() {
		_ = conn.Close(code, reason)
	}
}

// Start begins ping loop to keep connections active.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, conn := range m.snapshot() {
				if err := conn.Ping(); err != nil {
					m.logger.Debug("ping failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				}
			}
		}
	}
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn)
	}
	return out
}

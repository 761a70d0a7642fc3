package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/session"
)

// SessionServer runs the metered lifecycle of one connection.
type SessionServer interface {
	Serve(ctx context.Context, conn session.Conn) error
}

var newConnID = func() string {
	return uuid.NewString()
}

// Server upgrades HTTP connections to WebSockets and hands them to the lifecycle.
type Server struct {
	manager      *Manager
	sessions     SessionServer
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(manager *Manager, sessions SessionServer, writeTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		manager:      manager,
		sessions:     sessions,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is HTTP handler for the /ws endpoint. It returns once the session has settled;
// cancelling the request context shuts the connection down with 1001.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	handshake := session.Handshake{
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
	connection := NewConnection(newConnID(), conn, handshake, s.writeTimeout, s.logger, s.manager.Remove)
	s.manager.Add(connection)
	connection.Start()
	s.logger.Info("client connected", zap.String("conn_id", connection.ID()), zap.String("remote_addr", r.RemoteAddr))

	err = s.sessions.Serve(r.Context(), connection)
	switch {
	case err == nil, errors.Is(err, session.ErrConnClosed), errors.Is(err, context.Canceled):
		s.logger.Info("client disconnected", zap.String("conn_id", connection.ID()))
	default:
		s.logger.Info("client disconnected", zap.String("conn_id", connection.ID()), zap.Error(err))
	}

	select {
	case <-connection.Done():
	case <-time.After(s.writeTimeout):
		connection.shutdown()
	}
}

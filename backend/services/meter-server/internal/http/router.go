package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/http/handlers"
	"meterpay/backend/services/meter-server/internal/http/middleware"
)

// RouterDeps collects handler dependencies. Optional fields left nil disable their routes.
type RouterDeps struct {
	SchemaHandler *handlers.SchemaHandler
	AdminHandlers *handlers.AdminHandlers
	HealthHandler http.HandlerFunc
	WSHandler     http.HandlerFunc
	Metrics       http.Handler
	// Resources serves paid content behind AccessGate.
	Resources  http.Handler
	AccessGate func(http.Handler) http.Handler
	AdminToken string
	Logger     *zap.Logger
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(logger))

	r.Get("/health", deps.HealthHandler)
	r.Get("/schema/{resourceId}", deps.SchemaHandler.Get)
	r.Get("/ws", deps.WSHandler)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	if deps.Resources != nil && deps.AccessGate != nil {
		r.With(deps.AccessGate).Handle("/resources/*", http.StripPrefix("/resources", deps.Resources))
	}

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminAuth(deps.AdminToken))
		admin.Get("/sessions", deps.AdminHandlers.ListSessions)
		admin.Delete("/sessions/{sessionId}", deps.AdminHandlers.TerminateSession)
		admin.Get("/settlements/failed", deps.AdminHandlers.FailedRefunds)
		admin.Post("/settlements/{sessionId}/retry", deps.AdminHandlers.RetryRefund)
	})

	return r
}

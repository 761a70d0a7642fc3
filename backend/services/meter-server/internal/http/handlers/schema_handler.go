package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/schema"
)

// DefaultEstimatedDuration is quoted when the client does not say how long it expects to stay.
const DefaultEstimatedDuration int64 = 300

// SchemaGenerator builds pricing documents.
type SchemaGenerator interface {
	Generate(ctx context.Context, resourceID string, estimatedSeconds int64, override *int64) (*schema.Schema, error)
}

// SchemaHandler serves the upfront pricing document.
type SchemaHandler struct {
	generator SchemaGenerator
	logger    *zap.Logger
}

// NewSchemaHandler returns handler.
func NewSchemaHandler(generator SchemaGenerator, logger *zap.Logger) *SchemaHandler {
	return &SchemaHandler{generator: generator, logger: logger}
}

// Get handles GET /schema/{resourceId}?duration=. The price always comes from the server's
// metering configuration.
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")

	duration := DefaultEstimatedDuration
	if raw := r.URL.Query().Get("duration"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "duration must be an integer number of seconds")
			return
		}
		duration = parsed
	}

	doc, err := h.generator.Generate(r.Context(), resourceID, duration, nil)
	if errors.Is(err, schema.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("schema generation failed", zap.String("resource_id", resourceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vizlab/slotbox/internal/config"
	"github.com/vizlab/slotbox/internal/events"
	"github.com/vizlab/slotbox/internal/metrics"
	"github.com/vizlab/slotbox/internal/registry"
	"github.com/vizlab/slotbox/internal/slot"
	"github.com/vizlab/slotbox/internal/slot/sandbox"
)

// Handler contains all HTTP handlers.
type Handler struct {
	config     *config.Config
	store      registry.Store
	dispatcher *sandbox.Dispatcher
	publisher  *events.Publisher
	broker     *events.Broker
	collector  *metrics.Collector
	logger     zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(cfg *config.Config, opts Options) *Handler {
	return &Handler{
		config:     cfg,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		publisher:  opts.Publisher,
		broker:     opts.Broker,
		collector:  opts.Collector,
		logger:     opts.Logger,
	}
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "slotbox",
	})
}

// RunSlot executes an inline slot request. The execution outcome, success
// or failure, is always reported with HTTP 200; the result envelope carries
// the verdict. Non-200 responses mean the request never reached the sandbox.
func (h *Handler) RunSlot(w http.ResponseWriter, r *http.Request) {
	var req slot.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.runAndRespond(w, r, req)
}

// RunStoredSlot executes a registered slot by id with caller-supplied input.
func (h *Handler) RunStoredSlot(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	def, err := h.store.Get(ctx, id)
	if err != nil {
		h.logger.Error().Err(err).Str("slot_id", id).Msg("failed to get slot")
		h.errorResponse(w, "failed to get slot", http.StatusInternalServerError)
		return
	}
	if def == nil {
		h.errorResponse(w, "slot not found", http.StatusNotFound)
		return
	}

	var req struct {
		Input     interface{} `json:"input"`
		Params    interface{} `json:"params"`
		TimeoutMs int         `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run := slot.Request{
		SlotID:       def.ID,
		Code:         def.Code,
		Input:        req.Input,
		Params:       req.Params,
		OutputSchema: def.OutputSchema,
		TimeoutMs:    def.TimeoutMs,
	}
	if req.TimeoutMs > 0 {
		run.TimeoutMs = req.TimeoutMs
	}

	h.runAndRespond(w, r, run)
}

// runAndRespond drives one execution through the dispatcher and writes the
// result envelope. Events and metrics are emitted around the run.
func (h *Handler) runAndRespond(w http.ResponseWriter, r *http.Request, req slot.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	h.publishEvent(ctx, events.ExecutionEvent{
		Type:      events.EventSlotStarted,
		SlotID:    req.SlotID,
		RequestID: requestID,
	})
	if h.collector != nil {
		h.collector.ExecutionStarted()
	}

	start := time.Now()
	result := h.dispatcher.RunSlot(ctx, req)

	outcome := "success"
	event := events.ExecutionEvent{
		Type:       events.EventSlotCompleted,
		SlotID:     req.SlotID,
		RequestID:  requestID,
		ExecTimeMs: result.ExecTimeMs,
	}
	if !result.OK {
		outcome = strings.ToLower(result.Err.Code)
		event.Type = events.EventSlotFailed
		event.Phase = result.Err.Phase
		event.ErrorCode = result.Err.Code
		event.ExecTimeMs = 0
	}
	if h.collector != nil {
		h.collector.ExecutionFinished(outcome, time.Since(start))
	}
	h.publishEvent(ctx, event)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// publishEvent routes one event through Redis when configured, otherwise
// straight to the local broker. Event delivery is best effort; a failed
// publish never fails the request.
func (h *Handler) publishEvent(ctx context.Context, event events.ExecutionEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if h.publisher != nil {
		if err := h.publisher.PublishExecution(ctx, event); err != nil {
			h.logger.Warn().Err(err).Msg("failed to publish execution event")
		}
		return
	}
	if h.broker != nil {
		h.broker.Publish(event)
	}
}

// ValidateSlot statically vets slot code without executing it. The report
// is returned with HTTP 200 whether or not the code passed.
func (h *Handler) ValidateSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	report := slot.Validate(req.Code)
	if h.collector != nil {
		h.collector.RecordValidation(report.OK)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// CreateSlot registers a new named slot definition.
func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	ctx := r.Context()

	var def registry.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if report := slot.ValidateDefinition(def.Name, def.Code); !report.OK {
		h.errorResponse(w, report.Summary(), http.StatusBadRequest)
		return
	}

	def.ID = uuid.New().String()
	if err := h.store.Create(ctx, &def); err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			h.errorResponse(w, "slot name already exists", http.StatusConflict)
			return
		}
		h.logger.Error().Err(err).Msg("failed to create slot")
		h.errorResponse(w, "failed to create slot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(def)
}

// ListSlots lists registered slot definitions.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}

	filter := registry.Filter{Name: r.URL.Query().Get("name")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	defs, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list slots")
		h.errorResponse(w, "failed to list slots", http.StatusInternalServerError)
		return
	}
	if defs == nil {
		defs = []registry.Definition{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"slots": defs,
		"count": len(defs),
	})
}

// GetSlot returns a single slot definition.
func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	def, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("slot_id", id).Msg("failed to get slot")
		h.errorResponse(w, "failed to get slot", http.StatusInternalServerError)
		return
	}
	if def == nil {
		h.errorResponse(w, "slot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(def)
}

// UpdateSlot replaces a slot definition's code and settings.
func (h *Handler) UpdateSlot(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var def registry.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	def.ID = id

	if report := slot.ValidateDefinition(def.Name, def.Code); !report.OK {
		h.errorResponse(w, report.Summary(), http.StatusBadRequest)
		return
	}

	if err := h.store.Update(ctx, &def); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			h.errorResponse(w, "slot not found", http.StatusNotFound)
		case errors.Is(err, registry.ErrDuplicateName):
			h.errorResponse(w, "slot name already exists", http.StatusConflict)
		default:
			h.logger.Error().Err(err).Str("slot_id", id).Msg("failed to update slot")
			h.errorResponse(w, "failed to update slot", http.StatusInternalServerError)
		}
		return
	}

	// Re-read so the response carries the stored timestamps.
	updated, err := h.store.Get(ctx, id)
	if err != nil || updated == nil {
		updated = &def
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// DeleteSlot removes a slot definition.
func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			h.errorResponse(w, "slot not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("slot_id", id).Msg("failed to delete slot")
		h.errorResponse(w, "failed to delete slot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": "deleted",
	})
}

// requireStore guards registry endpoints when no backend is configured.
func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.store == nil {
		h.errorResponse(w, "slot registry is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// errorResponse sends an error response.
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

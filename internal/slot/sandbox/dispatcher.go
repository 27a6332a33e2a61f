package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vizlab/slotbox/internal/slot"
)

// hostGrace is the dispatcher's margin on top of the slot deadline. Hosts
// enforce the deadline themselves; a host that misses even this margin is
// presumed compromised and replaced.
const hostGrace = 250 * time.Millisecond

// Dispatcher is the single entry point for slot execution. It runs the
// fixed validate/execute/output-check pipeline and resolves every request
// with exactly one typed result; faults become failure envelopes, never
// panics. It owns a lazily created host handle and is the only code that
// swaps it.
type Dispatcher struct {
	cfg        Config
	logger     zerolog.Logger
	onHostSwap func()

	mu   sync.Mutex
	host Host
}

// NewDispatcher builds a dispatcher. The host starts on first use, so
// constructing one is free until a slot actually runs.
func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: logger}
}

// SetHostSwapHook registers a callback invoked each time an unresponsive
// host is discarded. Set it before the first RunSlot call.
func (d *Dispatcher) SetHostSwapHook(fn func()) {
	d.onHostSwap = fn
}

// RunSlot executes the full pipeline for one request. Phases are strictly
// ordered and fail fast: code that does not validate never executes, and a
// result that fails output checks is never returned as data.
func (d *Dispatcher) RunSlot(ctx context.Context, req slot.Request) slot.Result {
	ctx, span := otel.Tracer("slotbox/sandbox").Start(ctx, "slot.run",
		trace.WithAttributes(attribute.String("slot.id", req.SlotID)))
	defer span.End()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs <= 0 {
		timeout = slot.DefaultTimeoutMs * time.Millisecond
	}
	if d.cfg.MaxTimeout > 0 && timeout > d.cfg.MaxTimeout {
		timeout = d.cfg.MaxTimeout
	}

	if report := slot.Validate(req.Code); !report.OK {
		span.SetAttributes(attribute.String("slot.outcome", slot.CodeValidationError))
		return slot.Failure(slot.CodeValidationError, slot.PhaseValidation, report.Summary())
	}

	requestID := uuid.NewString()
	res, err := d.execute(ctx, ExecRequest{
		RequestID: requestID,
		Code:      req.Code,
		Input:     req.Input,
		Params:    req.Params,
		Timeout:   timeout,
	})
	if err != nil {
		result := failureFor(err, timeout)
		span.SetAttributes(attribute.String("slot.outcome", result.Err.Code))
		d.logger.Debug().
			Str("slot_id", req.SlotID).
			Str("request_id", requestID).
			Str("code", result.Err.Code).
			Msg("slot execution failed")
		return result
	}

	if outReport := slot.ValidateOutput(res.Data, req.OutputSchema); !outReport.OK {
		span.SetAttributes(attribute.String("slot.outcome", slot.CodeOutputValidationError))
		return slot.Failure(slot.CodeOutputValidationError, slot.PhaseOutput, outReport.Summary())
	}

	span.SetAttributes(attribute.String("slot.outcome", "success"))
	return slot.Success(res.Data, res.ExecTimeMs)
}

// execute runs the isolation phase under the belt-and-suspenders timer.
// Worker-level recovery is the host's job (a killed or crashed worker is
// replaced inside the pool); the dispatcher only swaps the whole host when
// it stops answering entirely.
func (d *Dispatcher) execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	host, err := d.currentHost()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *ExecResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, execErr := host.Execute(ctx, req)
		resultCh <- outcome{res: res, err: execErr}
	}()

	belt := time.NewTimer(req.Timeout + hostGrace)
	defer belt.Stop()

	select {
	case out := <-resultCh:
		return out.res, out.err
	case <-belt.C:
		d.discard(host)
		return nil, ErrTimeout
	}
}

func (d *Dispatcher) currentHost() (Host, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.host == nil {
		h, err := NewHost(d.cfg, d.logger)
		if err != nil {
			return nil, err
		}
		d.host = h
	}
	return d.host, nil
}

// discard drops a compromised host; the next call creates a fresh one.
func (d *Dispatcher) discard(h Host) {
	d.mu.Lock()
	if d.host == h {
		d.host = nil
	}
	d.mu.Unlock()

	if err := h.Close(); err != nil {
		d.logger.Error().Err(err).Msg("closing unresponsive sandbox host")
	}
	d.logger.Warn().Msg("sandbox host discarded and will be recreated")
	if d.onHostSwap != nil {
		d.onHostSwap()
	}
}

// Close tears down the current host, if any.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	h := d.host
	d.host = nil
	d.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

func failureFor(err error, timeout time.Duration) slot.Result {
	var execErr *ExecError
	switch {
	case errors.Is(err, context.Canceled):
		return slot.Failure(slot.CodeExecutionTimeout, slot.PhaseExecution, "execution canceled")
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return slot.Failure(slot.CodeExecutionTimeout, slot.PhaseExecution,
			fmt.Sprintf("execution exceeded %dms", timeout/time.Millisecond))
	case errors.As(err, &execErr):
		return slot.Failure(slot.CodeExecutionError, slot.PhaseExecution, execErr.Message)
	}
	return slot.Failure(slot.CodeWorkerError, slot.PhaseExecution, err.Error())
}

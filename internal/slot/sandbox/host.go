// Package sandbox executes untrusted slot code in isolated workers with
// deterministic capabilities, wall-clock enforcement, and typed outcomes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Host runs slot code in an isolation unit and enforces the wall-clock.
// Outcomes are classified: ErrTimeout for forced termination,
// ErrWorkerCrashed for a unit that died mid-request, *ExecError for faults
// inside the code itself.
type Host interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
	Close() error
}

// ExecRequest is one code execution. Input and Params are plain JSON
// values; hosts detach them structurally before injection.
type ExecRequest struct {
	RequestID string
	Code      string
	Input     interface{}
	Params    interface{}
	Timeout   time.Duration
}

// ExecResult is a successful execution.
type ExecResult struct {
	Data       interface{}
	ExecTimeMs float64
}

var (
	// ErrTimeout reports forced termination at the deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrWorkerCrashed reports an isolation unit that died mid-request.
	ErrWorkerCrashed = errors.New("sandbox worker crashed")
	// ErrPoolClosed reports use after Close.
	ErrPoolClosed = errors.New("sandbox pool is closed")
)

// Mode selects the isolation mechanism.
type Mode string

const (
	// ModeProcess runs slots in pre-forked worker subprocesses. An
	// unresponsive worker is killed with SIGKILL, which no guest code can
	// intercept.
	ModeProcess Mode = "process"
	// ModeGoroutine runs slots in-process on interruptible goroutines.
	// Cheaper, and the right choice for embedding and tests, but a
	// goroutine blocked in native code cannot be killed.
	ModeGoroutine Mode = "goroutine"
)

// Config controls host construction.
type Config struct {
	Mode         Mode
	WorkerCount  int
	WorkerBinary string
	MaxMemoryMB  int
	MaxTimeout   time.Duration
}

// DefaultConfig returns the recommended setup: a single process worker, so
// concurrent callers queue and execute in arrival order.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeProcess,
		WorkerCount: 1,
		MaxMemoryMB: 256,
		MaxTimeout:  30 * time.Second,
	}
}

// NewHost builds the host for the configured mode.
func NewHost(cfg Config, logger zerolog.Logger) (Host, error) {
	switch cfg.Mode {
	case ModeGoroutine:
		return NewGoroutineHost(), nil
	case ModeProcess, "":
		return NewPool(cfg, logger)
	}
	return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
}

// GoroutineHost executes slots in-process. Each call gets a fresh VM driven
// on its own goroutine and interrupted at the deadline, so no state can leak
// between calls and a timed-out VM is simply abandoned.
type GoroutineHost struct{}

// NewGoroutineHost returns an in-process host.
func NewGoroutineHost() *GoroutineHost { return &GoroutineHost{} }

// Execute runs one slot to completion, interrupt, or cancellation.
func (h *GoroutineHost) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	vm, err := newSlotVM()
	if err != nil {
		return nil, err
	}

	input, err := copyJSON(req.Input)
	if err != nil {
		return nil, &ExecError{Message: fmt.Sprintf("input is not a JSON value: %v", err)}
	}
	params, err := copyJSON(req.Params)
	if err != nil {
		return nil, &ExecError{Message: fmt.Sprintf("params is not a JSON value: %v", err)}
	}

	type outcome struct {
		data interface{}
		ms   float64
		err  error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		data, ms, execErr := execute(vm, req.Code, input, params)
		resultCh <- outcome{data: data, ms: ms, err: execErr}
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		if out.err != nil {
			return nil, out.err
		}
		return &ExecResult{Data: out.data, ExecTimeMs: out.ms}, nil
	case <-timer.C:
		vm.Interrupt(ErrTimeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		vm.Interrupt(ErrTimeout)
		return nil, ctx.Err()
	}
}

// Close is a no-op; goroutine VMs are per-call.
func (h *GoroutineHost) Close() error { return nil }

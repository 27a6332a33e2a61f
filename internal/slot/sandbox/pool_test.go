package sandbox

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != ModeProcess {
		t.Errorf("Expected process mode by default, got %q", cfg.Mode)
	}
	if cfg.WorkerCount != 1 {
		t.Errorf("Expected a single worker by default, got %d", cfg.WorkerCount)
	}
	if cfg.MaxMemoryMB < 10 {
		t.Error("Default memory limit should be at least 10MB")
	}
	if cfg.MaxTimeout < time.Second {
		t.Error("Default timeout ceiling should be at least 1 second")
	}
}

func TestNewWorkerRequest(t *testing.T) {
	wr, err := newWorkerRequest(ExecRequest{
		RequestID: "id-1",
		Code:      "return input.n;",
		Input:     map[string]interface{}{"n": 7.0},
		Params:    map[string]interface{}{"k": "v"},
		Timeout:   1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("newWorkerRequest failed: %v", err)
	}

	if wr.ID != "id-1" {
		t.Errorf("Expected id-1, got %q", wr.ID)
	}
	if wr.TimeoutMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", wr.TimeoutMs)
	}

	var input map[string]interface{}
	if err := json.Unmarshal(wr.Input, &input); err != nil {
		t.Fatalf("Input payload is not JSON: %v", err)
	}
	if input["n"] != 7.0 {
		t.Errorf("Expected n=7 in payload, got %v", input["n"])
	}
}

func TestNewWorkerRequest_NonSerializableInput(t *testing.T) {
	_, err := newWorkerRequest(ExecRequest{
		RequestID: "id-2",
		Code:      "return 1;",
		Input:     map[string]interface{}{"ch": make(chan int)},
	})
	if err == nil {
		t.Fatal("Expected error for non-JSON input")
	}
}

func TestNewPool_SpawnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerBinary = "/nonexistent/sandbox-worker"

	_, err := NewPool(cfg, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected error when the worker binary cannot start")
	}
}

func TestInterpretResponse(t *testing.T) {
	res, err := interpretResponse(workerResponse{
		ID: "a", OK: true,
		Data:       json.RawMessage(`{"v": 3}`),
		ExecTimeMs: 1.25,
	})
	if err != nil {
		t.Fatalf("interpretResponse failed: %v", err)
	}
	out, ok := res.Data.(map[string]interface{})
	if !ok || out["v"] != 3.0 {
		t.Errorf("Expected decoded object, got %v", res.Data)
	}
	if res.ExecTimeMs != 1.25 {
		t.Errorf("Expected exec time 1.25, got %v", res.ExecTimeMs)
	}

	_, err = interpretResponse(workerResponse{ID: "b", Kind: workerErrTimeout, Error: "execution exceeded 50ms"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}

	_, err = interpretResponse(workerResponse{ID: "c", Kind: workerErrExecution, Error: "boom"})
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Message != "boom" {
		t.Errorf("Expected *ExecError with message boom, got %v", err)
	}
}

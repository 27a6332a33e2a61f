package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vizlab/slotbox/internal/slot"
)

// workerRequest and workerResponse are the pool/worker wire protocol: one
// JSON object per line, one in-flight request per worker. Payloads stay raw
// so the parent never re-parses what it already serialized.
type workerRequest struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Input     json.RawMessage `json:"input,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs"`
}

type workerResponse struct {
	ID         string          `json:"id"`
	OK         bool            `json:"ok"`
	Data       json.RawMessage `json:"data,omitempty"`
	ExecTimeMs float64         `json:"execTimeMs,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Worker-reported failure kinds.
const (
	workerErrTimeout   = "timeout"
	workerErrExecution = "execution"
)

func newWorkerRequest(req ExecRequest) (workerRequest, error) {
	out := workerRequest{
		ID:        req.RequestID,
		Code:      req.Code,
		TimeoutMs: int(req.Timeout / time.Millisecond),
	}
	var err error
	if req.Input != nil {
		if out.Input, err = json.Marshal(req.Input); err != nil {
			return out, fmt.Errorf("input is not a JSON value: %v", err)
		}
	}
	if req.Params != nil {
		if out.Params, err = json.Marshal(req.Params); err != nil {
			return out, fmt.Errorf("params is not a JSON value: %v", err)
		}
	}
	return out, nil
}

// RunWorker serves the sandbox protocol on stdin/stdout until stdin closes.
// It applies kernel resource limits first; the parent process supervises the
// wall-clock and kills this process if it stops answering.
func RunWorker() error {
	applyResourceLimits()
	return serveWorker(os.Stdin, os.Stdout)
}

// serveWorker is the protocol loop, separated from RunWorker so tests can
// drive it over in-memory pipes.
func serveWorker(r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	for {
		var req workerRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := enc.Encode(handleRequest(req)); err != nil {
			return err
		}
	}
}

// handleRequest executes one request on a fresh VM. The deadline interrupt
// is armed before the code runs and cleared after, so a reply here always
// reflects exactly one execution.
func handleRequest(req workerRequest) workerResponse {
	resp := workerResponse{ID: req.ID}

	vm, err := newSlotVM()
	if err != nil {
		resp.Kind = workerErrExecution
		resp.Error = err.Error()
		return resp
	}

	var input, params interface{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			resp.Kind = workerErrExecution
			resp.Error = fmt.Sprintf("bad input payload: %v", err)
			return resp
		}
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Kind = workerErrExecution
			resp.Error = fmt.Sprintf("bad params payload: %v", err)
			return resp
		}
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = slot.DefaultTimeoutMs
	}
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		vm.Interrupt(ErrTimeout)
	})
	data, execMs, execErr := execute(vm, req.Code, input, params)
	timer.Stop()
	vm.ClearInterrupt()

	resp.ExecTimeMs = execMs
	if execErr != nil {
		if errors.Is(execErr, ErrTimeout) {
			resp.Kind = workerErrTimeout
			resp.Error = fmt.Sprintf("execution exceeded %dms", timeoutMs)
		} else {
			resp.Kind = workerErrExecution
			resp.Error = execErr.Error()
		}
		return resp
	}

	raw, err := json.Marshal(data)
	if err != nil {
		resp.Kind = workerErrExecution
		resp.Error = fmt.Sprintf("result is not JSON-serializable: %v", err)
		return resp
	}
	resp.OK = true
	resp.Data = raw
	return resp
}

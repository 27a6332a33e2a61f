// Package slot defines the slot protocol: request and result envelopes,
// static code validation, and output shape validation.
package slot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error codes carried in failure envelopes. These are stable protocol
// strings; callers dispatch on them.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeExecutionError        = "EXECUTION_ERROR"
	CodeExecutionTimeout      = "EXECUTION_TIMEOUT"
	CodeOutputValidationError = "OUTPUT_VALIDATION_ERROR"
	CodeWorkerError           = "WORKER_ERROR"
)

// Pipeline phases reported in failure envelopes.
const (
	PhaseValidation = "validation"
	PhaseExecution  = "execution"
	PhaseOutput     = "output"
)

// DefaultTimeoutMs applies when a request does not set timeoutMs.
const DefaultTimeoutMs = 1000

// Request is a single slot execution request.
type Request struct {
	SlotID       string      `json:"slotId"`
	Code         string      `json:"code"`
	Input        interface{} `json:"input"`
	Params       interface{} `json:"params"`
	OutputSchema *Schema     `json:"outputSchema,omitempty"`
	TimeoutMs    int         `json:"timeoutMs,omitempty"`
}

// Schema constrains the shape of a slot's return value. A nil schema skips
// the shape checks; the hard resource ceilings in output.go apply regardless.
type Schema struct {
	Type           string              `json:"type,omitempty"`
	Properties     map[string]Property `json:"properties,omitempty"`
	MaxBytes       int                 `json:"maxBytes,omitempty"`
	MaxArrayLength int                 `json:"maxArrayLength,omitempty"`
}

// Property declares one expected key on an object-typed result. A property
// with a Type is checked against it; Optional properties may be absent.
type Property struct {
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// Error describes why an execution failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   string `json:"phase"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Phase, e.Message)
}

// Result is the single typed outcome of a slot execution. A success carries
// Data and ExecTimeMs; a failure carries Err. Never both.
type Result struct {
	OK         bool
	Data       interface{}
	ExecTimeMs float64
	Err        *Error
}

// Success builds a success result.
func Success(data interface{}, execTimeMs float64) Result {
	return Result{OK: true, Data: data, ExecTimeMs: execTimeMs}
}

// Failure builds a failure result.
func Failure(code, phase, message string) Result {
	return Result{Err: &Error{Code: code, Message: message, Phase: phase}}
}

// MarshalJSON emits the wire envelope. Success results always carry data and
// execTimeMs, even when data is null; failures carry only the error object.
// Struct tags with omitempty cannot express that, hence the custom marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK {
		return json.Marshal(struct {
			OK         bool        `json:"ok"`
			Data       interface{} `json:"data"`
			ExecTimeMs float64     `json:"execTimeMs"`
		}{true, r.Data, r.ExecTimeMs})
	}
	return json.Marshal(struct {
		OK    bool   `json:"ok"`
		Error *Error `json:"error"`
	}{false, r.Err})
}

// UnmarshalJSON accepts either envelope form.
func (r *Result) UnmarshalJSON(b []byte) error {
	var env struct {
		OK         bool        `json:"ok"`
		Data       interface{} `json:"data"`
		ExecTimeMs float64     `json:"execTimeMs"`
		Error      *Error      `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*r = Result{OK: env.OK, Data: env.Data, ExecTimeMs: env.ExecTimeMs, Err: env.Error}
	return nil
}

// Violation is a single rule failure found by a validator.
type Violation struct {
	RuleID  string `json:"ruleId"`
	Message string `json:"message"`
}

// ValidationReport collects every violation found in one pass. Checks do not
// short-circuit: a report lists everything that is wrong.
type ValidationReport struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations"`
}

// Summary flattens the report into a single failure message.
func (r ValidationReport) Summary() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}
	return strings.Join(msgs, "; ")
}

// Wrap embeds slot code in the function wrapper the sandbox executes. The
// validator parses the identical form, so the two agree on what is legal,
// in particular a bare top-level return.
func Wrap(code string) string {
	return "(function(input, params, utils) {\n" + code + "\n})"
}

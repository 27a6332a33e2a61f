package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vizlab/slotbox/internal/config"
	"github.com/vizlab/slotbox/internal/events"
	"github.com/vizlab/slotbox/internal/metrics"
	"github.com/vizlab/slotbox/internal/registry"
	"github.com/vizlab/slotbox/internal/slot"
	"github.com/vizlab/slotbox/internal/slot/sandbox"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         0,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Sandbox: config.SandboxConfig{
			Mode:       "goroutine",
			MaxTimeout: 5 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, store registry.Store) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.Mode = sandbox.ModeGoroutine
	dispatcher := sandbox.NewDispatcher(sbCfg, zerolog.Nop())
	t.Cleanup(func() { dispatcher.Close() })

	reg := prometheus.NewRegistry()
	return NewServer(cfg, Options{
		Store:      store,
		Dispatcher: dispatcher,
		Broker:     events.NewBroker(),
		Collector:  metrics.NewCollector(reg),
		Gatherer:   reg,
		Logger:     zerolog.Nop(),
	})
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %q", resp["status"])
	}
	if resp["service"] != "slotbox" {
		t.Errorf("Expected service slotbox, got %q", resp["service"])
	}
}

func TestRunSlot_Success(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", map[string]interface{}{
		"code":  "return input.a + input.b;",
		"input": map[string]interface{}{"a": 2, "b": 3},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result slot.Result
	decodeBody(t, rec, &result)
	if !result.OK {
		t.Fatalf("Expected success, got error: %v", result.Err)
	}
	if result.Data != 5.0 {
		t.Errorf("Expected data 5, got %v", result.Data)
	}
	if result.ExecTimeMs < 0 {
		t.Errorf("Expected non-negative execTimeMs, got %v", result.ExecTimeMs)
	}
}

func TestRunSlot_ValidationFailure(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", map[string]interface{}{
		"code": "return window.location.href;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var result slot.Result
	decodeBody(t, rec, &result)
	if result.OK {
		t.Fatal("Expected validation failure")
	}
	if result.Err.Code != slot.CodeValidationError {
		t.Errorf("Expected code %s, got %s", slot.CodeValidationError, result.Err.Code)
	}
	if result.Err.Phase != slot.PhaseValidation {
		t.Errorf("Expected phase %s, got %s", slot.PhaseValidation, result.Err.Phase)
	}
}

func TestRunSlot_BadBody(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}

	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["error"] == "" {
		t.Error("Expected error message in response")
	}
}

func TestValidateSlot(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/validate", map[string]interface{}{
		"code": "return 1;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var report slot.ValidationReport
	decodeBody(t, rec, &report)
	if !report.OK {
		t.Errorf("Expected valid code, got violations: %v", report.Violations)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/slots/validate", map[string]interface{}{
		"code": "const x = 1;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &report)
	if report.OK {
		t.Error("Expected code without return to fail validation")
	}
	if len(report.Violations) == 0 {
		t.Error("Expected at least one violation")
	}
}

func TestCreateAndGetSlot(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "adder",
		"code": "return input.a + input.b;",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created registry.Definition
	decodeBody(t, rec, &created)
	if created.ID == "" {
		t.Fatal("Expected generated slot id")
	}
	if created.CreatedAt.IsZero() {
		t.Error("Expected createdAt to be set")
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/slots/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var fetched registry.Definition
	decodeBody(t, rec, &fetched)
	if fetched.Name != "adder" {
		t.Errorf("Expected name adder, got %q", fetched.Name)
	}
}

func TestCreateSlot_DuplicateName(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	body := map[string]interface{}{"name": "dup", "code": "return 1;"}
	if rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", body); rec.Code != http.StatusCreated {
		t.Fatalf("first create failed: %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rec.Code)
	}
}

func TestCreateSlot_InvalidCode(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "broken",
		"code": "return window.fetch();",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestCreateSlot_EmptyName(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "",
		"code": "return 1;",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestGetSlot_NotFound(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/slots/no-such-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestUpdateSlot(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "mut",
		"code": "return 1;",
	})
	var created registry.Definition
	decodeBody(t, rec, &created)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/slots/"+created.ID, map[string]interface{}{
		"name": "mut",
		"code": "return 2;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated registry.Definition
	decodeBody(t, rec, &updated)
	if updated.Code != "return 2;" {
		t.Errorf("Expected updated code, got %q", updated.Code)
	}
	if updated.CreatedAt.IsZero() {
		t.Error("Expected createdAt preserved after update")
	}
}

func TestUpdateSlot_NotFound(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/slots/missing", map[string]interface{}{
		"name": "ghost",
		"code": "return 1;",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestDeleteSlot(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "gone",
		"code": "return 1;",
	})
	var created registry.Definition
	decodeBody(t, rec, &created)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/slots/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "deleted" {
		t.Errorf("Expected status deleted, got %q", resp["status"])
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/slots/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 on second delete, got %d", rec.Code)
	}
}

func TestListSlots(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	for i := 0; i < 3; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
			"name": fmt.Sprintf("slot-%d", i),
			"code": "return 1;",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d failed: %d", i, rec.Code)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/slots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Slots []registry.Definition `json:"slots"`
		Count int                   `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 3 {
		t.Errorf("Expected count 3, got %d", resp.Count)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/slots?limit=2", nil)
	decodeBody(t, rec, &resp)
	if resp.Count != 2 {
		t.Errorf("Expected count 2 with limit, got %d", resp.Count)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/slots?name=slot-1", nil)
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Slots[0].Name != "slot-1" {
		t.Errorf("Expected single slot-1, got %+v", resp.Slots)
	}
}

func TestRunStoredSlot(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "doubler",
		"code": "return input.n * 2;",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}
	var created registry.Definition
	decodeBody(t, rec, &created)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/slots/"+created.ID+"/run", map[string]interface{}{
		"input": map[string]interface{}{"n": 21},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result slot.Result
	decodeBody(t, rec, &result)
	if !result.OK {
		t.Fatalf("Expected success, got error: %v", result.Err)
	}
	if result.Data != 42.0 {
		t.Errorf("Expected data 42, got %v", result.Data)
	}
}

func TestRunStoredSlot_EmptyBody(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "constant",
		"code": "return 7;",
	})
	var created registry.Definition
	decodeBody(t, rec, &created)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/slots/"+created.ID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var result slot.Result
	decodeBody(t, rec, &result)
	if !result.OK || result.Data != 7.0 {
		t.Errorf("Expected data 7, got %+v", result)
	}
}

func TestRunStoredSlot_NotFound(t *testing.T) {
	srv := newTestServer(t, nil, registry.NewMemoryStore())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/missing/run", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestRegistryDisabled(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots", map[string]interface{}{
		"name": "unstored",
		"code": "return 1;",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	// Inline execution keeps working without a registry.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", map[string]interface{}{
		"code": "return 1;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestRunSlot_PublishesEvents(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	sub, cancel := srv.handler.broker.Subscribe()
	defer cancel()

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", map[string]interface{}{
		"code": "return 1;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("run failed: %d", rec.Code)
	}

	var got []events.ExecutionEvent
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case event := <-sub:
			got = append(got, event)
		case <-timeout:
			t.Fatalf("Expected 2 events, got %d", len(got))
		}
	}

	if got[0].Type != events.EventSlotStarted {
		t.Errorf("Expected first event %s, got %s", events.EventSlotStarted, got[0].Type)
	}
	if got[1].Type != events.EventSlotCompleted {
		t.Errorf("Expected second event %s, got %s", events.EventSlotCompleted, got[1].Type)
	}
	if got[0].RequestID == "" || got[0].RequestID != got[1].RequestID {
		t.Errorf("Expected matching request ids, got %q and %q", got[0].RequestID, got[1].RequestID)
	}
	if got[0].Timestamp == 0 {
		t.Error("Expected event timestamp to be set")
	}
}

func TestRunSlot_FailureEvent(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	sub, cancel := srv.handler.broker.Subscribe()
	defer cancel()

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/slots/run", map[string]interface{}{
		"code": "throw new Error(\"kaput\"); return 1;",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("run failed: %d", rec.Code)
	}

	var got []events.ExecutionEvent
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case event := <-sub:
			got = append(got, event)
		case <-timeout:
			t.Fatalf("Expected 2 events, got %d", len(got))
		}
	}

	if got[1].Type != events.EventSlotFailed {
		t.Errorf("Expected %s, got %s", events.EventSlotFailed, got[1].Type)
	}
	if got[1].ErrorCode != slot.CodeExecutionError {
		t.Errorf("Expected error code %s, got %s", slot.CodeExecutionError, got[1].ErrorCode)
	}
	if got[1].Phase != slot.PhaseExecution {
		t.Errorf("Expected phase %s, got %s", slot.PhaseExecution, got[1].Phase)
	}
}

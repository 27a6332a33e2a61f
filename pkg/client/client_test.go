package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// stubServer returns a test server that asserts method and path before
// delegating to fn.
func stubServer(t *testing.T, method, path string, fn http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			t.Errorf("Expected method %s, got %s", method, r.Method)
		}
		if r.URL.Path != path {
			t.Errorf("Expected path %s, got %s", path, r.URL.Path)
		}
		fn(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunSlot(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots/run", func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		if req.Code != "return 1;" {
			t.Errorf("Expected code in request, got %q", req.Code)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected json content type, got %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true, "data": 1, "execTimeMs": 0.5,
		})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	result, err := c.RunSlot(context.Background(), RunRequest{Code: "return 1;"})
	if err != nil {
		t.Fatalf("RunSlot failed: %v", err)
	}
	if !result.OK {
		t.Fatal("Expected ok result")
	}
	if result.Data != 1.0 {
		t.Errorf("Expected data 1, got %v", result.Data)
	}
	if result.ExecTimeMs != 0.5 {
		t.Errorf("Expected execTimeMs 0.5, got %v", result.ExecTimeMs)
	}
}

func TestRunSlot_FailureEnvelope(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots/run", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": false,
			"error": map[string]string{
				"code":    "EXECUTION_TIMEOUT",
				"message": "execution exceeded 1000ms",
				"phase":   "execution",
			},
		})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	result, err := c.RunSlot(context.Background(), RunRequest{Code: "while(true){} return 1;"})
	if err != nil {
		t.Fatalf("RunSlot failed: %v", err)
	}
	if result.OK {
		t.Fatal("Expected failure envelope")
	}
	if result.Error == nil || result.Error.Code != "EXECUTION_TIMEOUT" {
		t.Errorf("Expected EXECUTION_TIMEOUT error, got %+v", result.Error)
	}
}

func TestRunSlot_ServerError(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots/run", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	_, err := c.RunSlot(context.Background(), RunRequest{Code: "return 1;"})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected error to carry server message, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots/validate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": false,
			"violations": []map[string]string{
				{"ruleId": "require-return", "message": "slot code must contain a return statement"},
			},
		})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	result, err := c.Validate(context.Background(), "const x = 1;")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.OK {
		t.Fatal("Expected invalid report")
	}
	if len(result.Violations) != 1 || result.Violations[0].RuleID != "require-return" {
		t.Errorf("unexpected violations: %+v", result.Violations)
	}
}

func TestCreateSlot(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "sekret" {
			t.Errorf("Expected authorization header, got %q", got)
		}
		var def SlotDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		def.ID = "generated-id"
		def.CreatedAt = time.Now()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(def)
	})

	c := NewClient(Config{BaseURL: ts.URL, Token: "sekret"})
	created, err := c.CreateSlot(context.Background(), SlotDefinition{
		Name: "adder",
		Code: "return input.a + input.b;",
	})
	if err != nil {
		t.Fatalf("CreateSlot failed: %v", err)
	}
	if created.ID != "generated-id" {
		t.Errorf("Expected server-assigned id, got %q", created.ID)
	}
	if created.Name != "adder" {
		t.Errorf("Expected name adder, got %q", created.Name)
	}
}

func TestGetSlot_NotFound(t *testing.T) {
	ts := stubServer(t, "GET", "/api/v1/slots/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "slot not found"})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	_, err := c.GetSlot(context.Background(), "missing")
	if err == nil {
		t.Fatal("Expected error for 404")
	}
	if !strings.Contains(err.Error(), "slot not found") {
		t.Errorf("Expected not found message, got %v", err)
	}
}

func TestListSlots(t *testing.T) {
	ts := stubServer(t, "GET", "/api/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("name") != "adder" || q.Get("limit") != "5" || q.Get("offset") != "10" {
			t.Errorf("unexpected query params: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"slots": []SlotDefinition{{ID: "a", Name: "adder"}},
			"count": 1,
		})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	slots, err := c.ListSlots(context.Background(), ListFilter{Name: "adder", Limit: 5, Offset: 10})
	if err != nil {
		t.Fatalf("ListSlots failed: %v", err)
	}
	if len(slots) != 1 || slots[0].Name != "adder" {
		t.Errorf("unexpected slots: %+v", slots)
	}
}

func TestUpdateSlot(t *testing.T) {
	ts := stubServer(t, "PUT", "/api/v1/slots/abc", func(w http.ResponseWriter, r *http.Request) {
		var def SlotDefinition
		json.NewDecoder(r.Body).Decode(&def)
		def.ID = "abc"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(def)
	})

	c := NewClient(Config{BaseURL: ts.URL})
	updated, err := c.UpdateSlot(context.Background(), "abc", SlotDefinition{
		Name: "adder",
		Code: "return 2;",
	})
	if err != nil {
		t.Fatalf("UpdateSlot failed: %v", err)
	}
	if updated.Code != "return 2;" {
		t.Errorf("Expected updated code, got %q", updated.Code)
	}
}

func TestDeleteSlot(t *testing.T) {
	ts := stubServer(t, "DELETE", "/api/v1/slots/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "abc", "status": "deleted"})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	if err := c.DeleteSlot(context.Background(), "abc"); err != nil {
		t.Fatalf("DeleteSlot failed: %v", err)
	}
}

func TestRunStoredSlot(t *testing.T) {
	ts := stubServer(t, "POST", "/api/v1/slots/abc/run", func(w http.ResponseWriter, r *http.Request) {
		var req StoredRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true, "data": 42, "execTimeMs": 1.0,
		})
	})

	c := NewClient(Config{BaseURL: ts.URL})
	result, err := c.RunStoredSlot(context.Background(), "abc", StoredRunRequest{
		Input: map[string]interface{}{"n": 21},
	})
	if err != nil {
		t.Fatalf("RunStoredSlot failed: %v", err)
	}
	if !result.OK || result.Data != 42.0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestStreamEvents(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteJSON(Event{
			Type:      "slot_completed",
			SlotID:    "s1",
			RequestID: "r1",
			Timestamp: time.Now().Unix(),
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(Config{BaseURL: ts.URL})
	stream, err := c.StreamEvents(ctx)
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}

	select {
	case event := <-stream:
		if event.Type != "slot_completed" || event.SlotID != "s1" {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case _, ok := <-stream:
		if ok {
			// A buffered event may still arrive; the channel must close next.
			if _, ok := <-stream; ok {
				t.Error("Expected stream channel to close after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream channel did not close after cancel")
	}
}

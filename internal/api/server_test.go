package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/freshvill/grocerbot/internal/cart"
)

type fakeEngine struct {
	lastUser string
	lastText string
	reply    string
	resetErr error
	resets   []string
	snapshot *cart.Snapshot
	snapErr  error
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, userID, text string) string {
	f.lastUser = userID
	f.lastText = text
	return f.reply
}

func (f *fakeEngine) Reset(ctx context.Context, userID string) error {
	f.resets = append(f.resets, userID)
	return f.resetErr
}

func (f *fakeEngine) LastCartSnapshot(ctx context.Context, userID string) (*cart.Snapshot, error) {
	return f.snapshot, f.snapErr
}

func newTestServer(engine *fakeEngine) *httptest.Server {
	s := NewServer("", 0, engine, nil)
	return httptest.NewServer(s.Handler())
}

func TestServer_Turn(t *testing.T) {
	engine := &fakeEngine{reply: "Added milk to your cart."}
	ts := newTestServer(engine)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/turn", "application/json",
		strings.NewReader(`{"user_id": "u1", "text": "add milk"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body TurnResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Reply != "Added milk to your cart." {
		t.Errorf("reply = %q", body.Reply)
	}
	if engine.lastUser != "u1" || engine.lastText != "add milk" {
		t.Errorf("engine saw user=%q text=%q", engine.lastUser, engine.lastText)
	}
}

func TestServer_TurnValidation(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	cases := []struct {
		name string
		body string
	}{
		{"malformed", `{not json`},
		{"missing user", `{"text": "hi"}`},
		{"missing text", `{"user_id": "u1"}`},
		{"blank text", `{"user_id": "u1", "text": "   "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/turn", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestServer_TurnMethodNotAllowed(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/turn")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestServer_Reset(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(engine)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/reset", "application/json",
		strings.NewReader(`{"user_id": "u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(engine.resets) != 1 || engine.resets[0] != "u1" {
		t.Errorf("resets = %v", engine.resets)
	}
}

func TestServer_ResetFailure(t *testing.T) {
	engine := &fakeEngine{resetErr: errors.New("db locked")}
	ts := newTestServer(engine)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/reset", "application/json",
		strings.NewReader(`{"user_id": "u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	// Internal detail must not leak to the client.
	if strings.Contains(body.Error.Message, "db locked") {
		t.Errorf("error leaked internals: %q", body.Error.Message)
	}
}

func TestServer_LastCart(t *testing.T) {
	engine := &fakeEngine{snapshot: &cart.Snapshot{
		Items:     []cart.Item{{ID: "101", Name: "Whole Milk 1L", Quantity: 2}},
		Link:      "https://freshvill.example/cart/abc",
		Total:     179.8,
		CreatedAt: time.Now().UTC(),
	}}
	ts := newTestServer(engine)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/cart/last?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap cart.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Link != "https://freshvill.example/cart/abc" || len(snap.Items) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestServer_LastCartNotFound(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/cart/last?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/cart/last")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("response should carry a generated X-Request-Id")
	}

	// A caller-supplied id is echoed back.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}
}

func TestServer_Version(t *testing.T) {
	ts := newTestServer(&fakeEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] == "" {
		t.Errorf("version missing: %v", body)
	}
}

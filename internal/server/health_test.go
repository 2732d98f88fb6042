package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ---------------------------------------------------------------------------
// Fake Pinger for readiness tests
// ---------------------------------------------------------------------------

// fakePinger is a test double for the Pinger interface. The real probes are
// ModelPinger (chat model) and QdrantPinger (vector store).
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// newReadyTestServer builds a *Server with the given pingers wired in.
func newReadyTestServer(pingers ...Pinger) *Server {
	s := newTestServer()
	s.pingers = pingers
	return s
}

// ---------------------------------------------------------------------------
// GET /api/health — liveness
// ---------------------------------------------------------------------------

// TestHandleHealth_OK verifies that GET /api/health returns 200 with a JSON
// body containing {"status":"ok"}.
func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d — body: %s", w.Code, w.Body.String())
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready — readiness
// ---------------------------------------------------------------------------

// TestHandleReady_NoPingers verifies that /api/ready returns 200 with
// ready:true and an empty checks array when no probes are registered. This is
// the memory-backend deployment, which has no external dependencies.
func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
	if len(resp.Checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(resp.Checks))
	}
}

// TestHandleReady_ProbeOutcomes covers the chat-model and vector-store probe
// combinations an operator sees during a partial outage.
func TestHandleReady_ProbeOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		modelErr   error
		qdrantErr  error
		wantStatus int
		wantReady  bool
	}{
		{"both healthy", nil, nil, http.StatusOK, true},
		{"vector store down", nil, errors.New("health check failed: connection refused"), http.StatusServiceUnavailable, false},
		{"model down", errors.New("generate failed: model not loaded"), nil, http.StatusServiceUnavailable, false},
		{"both down", errors.New("generate failed: timeout"), errors.New("health check failed: connection refused"), http.StatusServiceUnavailable, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newReadyTestServer(
				&fakePinger{name: "ollama", err: tc.modelErr},
				&fakePinger{name: "qdrant", err: tc.qdrantErr},
			)
			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			w := httptest.NewRecorder()

			s.handleReady(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d — body: %s", tc.wantStatus, w.Code, w.Body.String())
			}

			var resp readyResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Ready != tc.wantReady {
				t.Errorf("ready: expected %v, got %v", tc.wantReady, resp.Ready)
			}
			if len(resp.Checks) != 2 {
				t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
			}

			wantErrs := map[string]error{"ollama": tc.modelErr, "qdrant": tc.qdrantErr}
			for _, c := range resp.Checks {
				wantErr := wantErrs[c.Name]
				if wantErr == nil {
					if !c.OK || c.Error != "" {
						t.Errorf("check %q: expected ok with no error, got ok=%v error=%q", c.Name, c.OK, c.Error)
					}
					continue
				}
				if c.OK {
					t.Errorf("check %q: expected ok:false", c.Name)
				}
				if c.Error != wantErr.Error() {
					t.Errorf("check %q: expected error %q, got %q", c.Name, wantErr.Error(), c.Error)
				}
			}
		})
	}
}

// TestHandleReady_ContentType verifies the response always has Content-Type
// application/json regardless of probe outcome.
func TestHandleReady_ContentType(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(&fakePinger{name: "ollama", err: errors.New("model not loaded")})
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/danmuck/slowbreak/internal/transport"
)

func offlineSession(t *testing.T, name, sender, target string) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Name = name
	cfg.SenderCompID = sender
	cfg.TargetCompID = target
	connector := transport.ConnectorFunc(func(context.Context) (transport.Transport, error) {
		return nil, errors.New("offline")
	})
	s, err := session.NewInitiator(cfg, connector, nil)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	return s
}

func testAdmin(t *testing.T) *Admin {
	t.Helper()
	reg := NewRegistry()
	reg.Register(offlineSession(t, "buy-side", "BUY", "SELL"))
	reg.Register(offlineSession(t, "alpha", "ALPHA", "SELL"))
	return New("admin-test", "127.0.0.1:0", nil, reg)
}

func do(t *testing.T, a *Admin, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.HTTPRouter().ServeHTTP(rr, req)
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s body=%q: %v", method, path, rr.Body.String(), err)
	}
	return rr, out
}

func TestHealthReportsSessionCount(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)
	rr, body := do(t, a, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body["status"] != "ok" || body["service"] != "admin-test" || body["sessions"] != float64(2) {
		t.Fatalf("unexpected health body: %#v", body)
	}
}

func TestSessionsListedByName(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)
	rr, body := do(t, a, http.MethodGet, "/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	list, ok := body["sessions"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected sessions body: %#v", body)
	}
	first := list[0].(map[string]any)
	if first["name"] != "alpha" || first["role"] != "initiator" || first["state"] != "disconnected" {
		t.Fatalf("unexpected first session: %#v", first)
	}
	if first["next_out_seq_num"] != float64(1) {
		t.Fatalf("unexpected next out: %#v", first["next_out_seq_num"])
	}

	rr, body = do(t, a, http.MethodGet, "/sessions/buy-side", "")
	if rr.Code != http.StatusOK || body["name"] != "buy-side" {
		t.Fatalf("unexpected single session: %d %#v", rr.Code, body)
	}
	rr, _ = do(t, a, http.MethodGet, "/sessions/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", rr.Code)
	}
}

func TestSessionActionsEnqueueCommands(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)

	rr, body := do(t, a, http.MethodPost, "/sessions/buy-side/heartbeat", `{"interval":"5s"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("heartbeat: status %d body=%#v", rr.Code, body)
	}
	st := body["session"].(map[string]any)
	if st["queued"] != float64(1) {
		t.Fatalf("expected heartbeat command queued: %#v", st)
	}

	rr, body = do(t, a, http.MethodPost, "/sessions/buy-side/stop", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("stop: status %d body=%#v", rr.Code, body)
	}
	if st := body["session"].(map[string]any); st["queued"] != float64(2) {
		t.Fatalf("expected stop command queued: %#v", st)
	}
}

func TestSessionActionErrors(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)
	cases := []struct {
		path string
		body string
		want int
	}{
		{"/sessions/missing/stop", "", http.StatusNotFound},
		{"/sessions/buy-side/reboot", "", http.StatusNotFound},
		{"/sessions/buy-side/heartbeat", `{"interval":"soon"}`, http.StatusBadRequest},
		{"/sessions/buy-side/heartbeat", `{"interval":"10ms"}`, http.StatusBadRequest},
		{"/sessions/buy-side/gap-fill", `{}`, http.StatusBadRequest},
		{"/sessions/buy-side/heartbeat", `{"interval":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr, body := do(t, a, http.MethodPost, tc.path, tc.body)
		if rr.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d body=%#v", tc.path, tc.body, tc.want, rr.Code, body)
		}
		if _, ok := body["error"]; !ok {
			t.Fatalf("%s: expected error body, got %#v", tc.path, body)
		}
	}

	if _, err := a.ExecuteAction("buy-side", "gap-fill", ActionRequest{From: 3}); err != nil {
		t.Fatalf("gap-fill action: %v", err)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)
	do(t, a, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	a.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "slowbreak_http_requests_total") {
		t.Fatalf("metrics output missing http request counter")
	}
}

func TestSessionActionsRequireToken(t *testing.T) {
	testlog.Start(t)
	a := testAdmin(t)
	a.RequireToken("admin-secret")

	rr, _ := do(t, a, http.MethodPost, "/sessions/buy-side/stop", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/buy-side/stop", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	ok := httptest.NewRecorder()
	a.HTTPRouter().ServeHTTP(ok, req)
	if ok.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d body=%s", ok.Code, ok.Body.String())
	}

	rr, _ = do(t, a, http.MethodGet, "/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rr.Code)
	}
}

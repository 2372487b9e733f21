package web

import (
	"context"
	"encoding/json"
	"liuproxy_keeper/internal/shared/types"
	manager "liuproxy_keeper/proxypool"
	"liuproxy_keeper/proxypool/model"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type stubBackend struct{}

func (stubBackend) Fetch(ctx context.Context, req model.FetchRequest) (model.FetchResponse, error) {
	return model.FetchResponse{Success: true, Proxies: []string{"http://7.7.7.7:80"}}, nil
}

func newTestServer(t *testing.T, user, pass string) (*httptest.Server, *manager.Manager, *Hub) {
	t.Helper()
	dir := t.TempDir()
	cfg := types.DefaultConfig()
	cfg.PoolConf.ProxyFile = filepath.Join(dir, "proxies.txt")
	cfg.PoolConf.ScoreFile = filepath.Join(dir, "scores.txt")
	cfg.PoolConf.MaxConsecutiveFailures = 1
	cfg.FetchConf.MinProxiesThreshold = 1

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	m := manager.NewManager(cfg, nil, manager.WithBackend(stubBackend{}), manager.WithEventSink(hub))
	srv := httptest.NewServer(NewRouter(NewHandler(m, true), hub, user, pass))
	t.Cleanup(srv.Close)
	return srv, m, hub
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_NextOnEmptyPoolIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/api/proxies/next", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Error("Expected a JSON error message")
	}
}

func TestHandler_ImportRotateAndMark(t *testing.T) {
	srv, m, _ := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/api/proxies/import", `{"proxies":["1.2.3.4:8080","bad"],"protocol":"socks5"}`)
	var imported struct {
		Added    int      `json:"added"`
		Rejected []string `json:"rejected"`
	}
	json.NewDecoder(resp.Body).Decode(&imported)
	if imported.Added != 1 || len(imported.Rejected) != 1 {
		t.Fatalf("Unexpected import result: %+v", imported)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/proxies/next", "")
	var next proxyView
	json.NewDecoder(resp.Body).Decode(&next)
	if next.ID != "socks5://1.2.3.4:8080" || next.Spec.Scheme != model.SchemeSOCKS5 {
		t.Errorf("Unexpected next proxy: %+v", next)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/proxies/result", `{"id":"socks5://1.2.3.4:8080","ok":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if m.Stats().Dead != 1 {
		t.Errorf("Expected the proxy to be dead, got %+v", m.Stats())
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/proxies/next", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 once the only proxy is dead, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/proxies/next?skip_dead=false", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected dead proxy with skip_dead=false, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/pool/reset-dead", "")
	var reset map[string]int
	json.NewDecoder(resp.Body).Decode(&reset)
	if reset["revived"] != 1 {
		t.Errorf("Expected 1 revived, got %v", reset)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/proxies/result", `{"id":"http://9.9.9.9:1","ok":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown proxy, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/proxies?id=socks5://1.2.3.4:8080", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected delete to succeed, got %d", resp.StatusCode)
	}
}

func TestHandler_EnsureAndTop(t *testing.T) {
	srv, _, _ := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/api/pool/ensure", "")
	var raw map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&raw)
	if raw["status"] != "succeeded" || raw["added_count"].(float64) != 1 {
		t.Fatalf("Unexpected ensure outcome: %v", raw)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/pool/ensure", "")
	json.NewDecoder(resp.Body).Decode(&raw)
	if raw["status"] != "fresh" {
		t.Errorf("Expected fresh on second call, got %v", raw)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/proxies/top?n=5", "")
	var top []map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&top)
	if len(top) != 1 || top[0]["id"] != "http://7.7.7.7:80" {
		t.Errorf("Unexpected top list: %v", top)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/proxies/top?n=abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad n, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/pool/ensure", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestHandler_BasicAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "admin", "secret")

	if resp := do(t, http.MethodGet, srv.URL+"/api/proxies", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/status", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected public status endpoint, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/proxies", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", resp.StatusCode)
	}
}

func TestHub_BroadcastsEngineEvents(t *testing.T) {
	srv, m, hub := newTestServer(t, "", "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	m.ResetDeadFlags()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WebSocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if msg.Type != manager.EventReset {
		t.Errorf("Expected %q event, got %q", manager.EventReset, msg.Type)
	}
}

func TestHandler_ListHidesPasswords(t *testing.T) {
	srv, _, _ := newTestServer(t, "", "")
	do(t, http.MethodPost, srv.URL+"/api/proxies/import", `{"proxies":["http://1.2.3.4:8080:alice:s3cret"]}`)

	resp := do(t, http.MethodGet, srv.URL+"/api/proxies", "")
	var recs []model.ProxyRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	if recs[0].Spec.Username != "alice" || recs[0].Spec.Password != maskedPassword {
		t.Errorf("Expected a masked password, got %+v", recs[0].Spec)
	}

	// 调用方需要完整凭据才能使用代理
	resp = do(t, http.MethodGet, srv.URL+"/api/proxies/next", "")
	var next proxyView
	json.NewDecoder(resp.Body).Decode(&next)
	if next.Spec.Password != "s3cret" {
		t.Errorf("Expected next to return the usable credentials, got %+v", next.Spec)
	}
}

func TestHandler_StatusReportsDuration(t *testing.T) {
	srv, _, _ := newTestServer(t, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/api/status", "")
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if _, ok := body["status_for"].(string); !ok {
		t.Errorf("Expected status_for in the status response, got %v", body)
	}
	if _, ok := body["pool"].(map[string]interface{}); !ok {
		t.Errorf("Expected pool stats in the status response, got %v", body)
	}
}

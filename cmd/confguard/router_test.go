package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"confguard/internal/model"
	"confguard/internal/registry"
)

// newTestServer wires a Server against a throwaway directory tree, mirroring
// what cmd/confguard/main.go does at boot but scoped to t.TempDir() so tests
// never touch the real filesystem layout.
func newTestServer(t *testing.T, configsJSON string, global *model.GlobalConfig) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	if global == nil {
		global = &model.GlobalConfig{MaxBackups: 5, Systemctl: "systemctl", AutoCreateBackups: true, PathGuard: model.GuardOff}
	}
	global.BackupDir = filepath.Join(dir, "backups")
	global.TmpDir = filepath.Join(dir, "tmp")
	if err := os.MkdirAll(global.BackupDir, 0o750); err != nil {
		t.Fatalf("mkdir backups: %v", err)
	}

	configsPath := filepath.Join(dir, "configs.json")
	if configsJSON != "" {
		if err := os.WriteFile(configsPath, []byte(configsJSON), 0o640); err != nil {
			t.Fatalf("write configs.json: %v", err)
		}
	}
	reg := registry.New(configsPath)
	if _, err := reg.LoadFromFile(); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	s := NewServer(global, reg)
	return s, dir
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRootAndHealth(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	h := requestPipeline(s, newRouter(s))

	rec := doRequest(t, h, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d, want 200", rec.Code)
	}
	var root map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &root); err != nil {
		t.Fatalf("decode root body: %v", err)
	}
	if root["name"] != "config-manager" {
		t.Fatalf("unexpected root body: %v", root)
	}

	rec = doRequest(t, h, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestConfigsListing(t *testing.T) {
	configsJSON := `{
		"nginx": {"path": "/etc/nginx/nginx.conf", "service": "nginx", "actions": {"restart": []}}
	}`
	s, _ := newTestServer(t, configsJSON, nil)
	h := requestPipeline(s, newRouter(s))

	rec := doRequest(t, h, http.MethodGet, "/configs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /configs = %d, want 200", rec.Code)
	}
	var body struct {
		OK      bool             `json:"ok"`
		Configs []map[string]any `json:"configs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Configs) != 1 || body.Configs[0]["id"] != "nginx" {
		t.Fatalf("unexpected configs listing: %+v", body.Configs)
	}
}

func TestConfigWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.conf")
	if err := os.WriteFile(target, []byte("old\n"), 0o640); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	configsJSON := `{"app": {"path": "` + jsonEscape(target) + `", "service": "app", "actions": {"restart": []}}}`
	s, _ := newTestServer(t, configsJSON, nil)
	h := requestPipeline(s, newRouter(s))

	rec := doRequest(t, h, http.MethodPost, "/config/app", []byte("new contents\n"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /config/app = %d body=%s", rec.Code, rec.Body.String())
	}
	var writeResp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &writeResp); err != nil {
		t.Fatalf("decode write response: %v", err)
	}
	if writeResp["ok"] != true || writeResp["saved"] != true {
		t.Fatalf("unexpected write response: %v", writeResp)
	}

	rec = doRequest(t, h, http.MethodGet, "/config/app", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /config/app = %d", rec.Code)
	}
	if rec.Body.String() != "new contents\n" {
		t.Fatalf("round-trip content = %q", rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/backups/app", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /backups/app = %d", rec.Code)
	}
	var backupsResp struct {
		Backups []string `json:"backups"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &backupsResp); err != nil {
		t.Fatalf("decode backups: %v", err)
	}
	if len(backupsResp.Backups) != 1 {
		t.Fatalf("expected one backup of the pre-write content, got %v", backupsResp.Backups)
	}
}

func TestConfigUnknownName404(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	h := requestPipeline(s, newRouter(s))

	rec := doRequest(t, h, http.MethodGet, "/config/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /config/ghost = %d, want 404", rec.Code)
	}
}

func TestTokenAuthRejectsMissingOrWrongToken(t *testing.T) {
	global := &model.GlobalConfig{MaxBackups: 5, Systemctl: "systemctl", APIToken: "topsecret"}
	s, _ := newTestServer(t, "", global)
	h := requestPipeline(s, newRouter(s))

	rec := doRequest(t, h, http.MethodGet, "/configs", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/configs", nil, map[string]string{"X-API-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/configs", nil, map[string]string{"X-API-Token": "topsecret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("correct token = %d, want 200", rec.Code)
	}
}

func TestIPAllowlistRejectsUnlistedClient(t *testing.T) {
	global := &model.GlobalConfig{MaxBackups: 5, Systemctl: "systemctl"}
	data, err := model.LoadGlobalConfig([]byte(`{"allowed_ips": ["10.0.0.0/8"]}`))
	if err != nil {
		t.Fatalf("LoadGlobalConfig: %v", err)
	}
	global.AllowedNets = data.AllowedNets

	s, _ := newTestServer(t, "", global)
	h := requestPipeline(s, newRouter(s))

	req := httptest.NewRequest(http.MethodGet, "/configs", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unlisted client = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/configs", nil)
	req.RemoteAddr = "10.1.2.3:12345"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("listed client = %d, want 200", rec.Code)
	}
}

func TestOptionsShortCircuitsWithCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	h := requestPipeline(s, newRouter(s))

	req := httptest.NewRequest(http.MethodOptions, "/configs", nil)
	req.Header.Set("Origin", "https://example.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://example.test" {
		t.Fatalf("missing/incorrect CORS header: %v", rec.Header())
	}
}

func TestRawConfigsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	h := requestPipeline(s, newRouter(s))

	body := []byte(`{"svc": {"path": "/etc/svc.conf", "service": "svc", "actions": {"reload": []}}}`)
	rec := doRequest(t, h, http.MethodPost, "/raw/configs", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /raw/configs = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/configs", nil, nil)
	var listed struct {
		Configs []map[string]any `json:"configs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Configs) != 1 || listed.Configs[0]["id"] != "svc" {
		t.Fatalf("unexpected listing after raw replace: %+v", listed.Configs)
	}

	rec = doRequest(t, h, http.MethodDelete, "/raw/configs/svc", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /raw/configs/svc = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/config/svc", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /config/svc after delete = %d, want 404", rec.Code)
	}
}

func TestPathTraversalRejectedBeforeDispatch(t *testing.T) {
	s, _ := newTestServer(t, "", nil)
	h := requestPipeline(s, newRouter(s))

	for _, target := range []string{
		"/config/..%2fetc%2fpasswd",
		"/config/../etc/passwd",
		"/config/foo/../../etc/passwd",
	} {
		rec := doRequest(t, h, http.MethodGet, target, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("GET %s = %d, want 400", target, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body for %s: %v", target, err)
		}
		if body["ok"] != false || body["error"] != "Pfad nicht erlaubt" {
			t.Fatalf("GET %s body = %v, want {ok:false, error:\"Pfad nicht erlaubt\"}", target, body)
		}
	}
}

func jsonEscape(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded[1 : len(encoded)-1])
}

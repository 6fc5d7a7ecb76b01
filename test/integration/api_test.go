package integration

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ampiq/configseal/internal/api"
	"github.com/ampiq/configseal/internal/audit"
	"github.com/ampiq/configseal/internal/keystore"
	"github.com/ampiq/configseal/internal/sealer"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()

	dir := t.TempDir()
	store := keystore.NewFileKeystore(filepath.Join(dir, "keys"))
	if _, err := store.LoadOrCreate("default"); err != nil {
		t.Fatalf("failed to provision default key: %v", err)
	}

	recorder, err := audit.NewSQLite(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	t.Cleanup(func() {
		_ = recorder.Close()
	})

	handler := api.NewHandler(sealer.New(), store, recorder)
	logger := zaptest.NewLogger(t)
	return api.NewRouter(handler, logger)
}

func performRequest(t *testing.T, handler http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIntegrationFlow(t *testing.T) {
	handler := newRouter(t)

	rec := performRequest(t, handler, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health check failed with status %d", rec.Code)
	}

	// Generate a second key alongside the provisioned default.
	body, _ := json.Marshal(map[string]string{"name": "licensing"})
	rec = performRequest(t, handler, http.MethodPost, "/api/keys", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("key creation failed with status %d: %s", rec.Code, rec.Body.String())
	}

	rec = performRequest(t, handler, http.MethodGet, "/api/keys", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("key listing failed with status %d", rec.Code)
	}
	var keys struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&keys); err != nil {
		t.Fatalf("failed to decode key listing: %v", err)
	}
	if len(keys.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys.Keys)
	}

	// Seal a config blob with the licensing key.
	plaintext := []byte(`{"license":"AMP-1234","expires":"2026-12-31"}`)
	body, _ = json.Marshal(map[string]string{
		"key":       "licensing",
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	rec = performRequest(t, handler, http.MethodPost, "/api/seal", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusOK {
		t.Fatalf("seal failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var sealed struct {
		Artifact string `json:"artifact"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sealed); err != nil {
		t.Fatalf("failed to decode seal response: %v", err)
	}

	// Open it again with the same key.
	body, _ = json.Marshal(map[string]string{
		"key":      "licensing",
		"artifact": sealed.Artifact,
	})
	rec = performRequest(t, handler, http.MethodPost, "/api/open", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusOK {
		t.Fatalf("open failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var opened struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("failed to decode open response: %v", err)
	}
	got, err := base64.StdEncoding.DecodeString(opened.Plaintext)
	if err != nil {
		t.Fatalf("plaintext is not valid base64: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	// Opening with the wrong key must fail authentication.
	body, _ = json.Marshal(map[string]string{
		"key":      "default",
		"artifact": sealed.Artifact,
	})
	rec = performRequest(t, handler, http.MethodPost, "/api/open", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for wrong key, got %d", rec.Code)
	}

	// A tampered artifact must fail authentication too.
	raw, err := base64.StdEncoding.DecodeString(sealed.Artifact)
	if err != nil {
		t.Fatalf("artifact is not valid base64: %v", err)
	}
	raw[len(raw)/2] ^= 0x80
	body, _ = json.Marshal(map[string]string{
		"key":      "licensing",
		"artifact": base64.StdEncoding.EncodeToString(raw),
	})
	rec = performRequest(t, handler, http.MethodPost, "/api/open", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for tampered artifact, got %d", rec.Code)
	}

	// The audit log has recorded every seal and open.
	rec = performRequest(t, handler, http.MethodGet, "/api/audit?limit=10", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit listing failed with status %d", rec.Code)
	}
	var log struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&log); err != nil {
		t.Fatalf("failed to decode audit response: %v", err)
	}
	if len(log.Entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(log.Entries))
	}
	var failures int
	for _, entry := range log.Entries {
		if !entry.Success {
			failures++
		}
		if entry.RequestID == "" {
			t.Fatalf("expected request IDs in audit entries")
		}
	}
	if failures != 2 {
		t.Fatalf("expected 2 failed operations in audit log, got %d", failures)
	}

	// Requests carry an X-Request-ID header end to end.
	rec = performRequest(t, handler, http.MethodGet, "/api/health", nil, map[string]string{"X-Request-ID": "fixed-id"})
	if rec.Header().Get("X-Request-ID") != "fixed-id" {
		t.Fatalf("expected request ID to be echoed")
	}
}

func TestIntegrationUnknownKeyIsNotFound(t *testing.T) {
	handler := newRouter(t)

	body, _ := json.Marshal(map[string]string{
		"key":       "missing",
		"plaintext": "",
	})
	rec := performRequest(t, handler, http.MethodPost, "/api/seal", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

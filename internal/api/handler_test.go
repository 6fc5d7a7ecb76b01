package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ampiq/configseal/internal/audit"
	"github.com/ampiq/configseal/internal/kdf"
	"github.com/ampiq/configseal/internal/keystore"
	"github.com/ampiq/configseal/internal/sealer"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// memoryRecorder captures audit entries for assertions.
type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryRecorder) Record(_ context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryRecorder) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]audit.Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memoryRecorder) Close() error { return nil }

func (m *memoryRecorder) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]audit.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func setupTestRouter(t *testing.T) (http.Handler, *memoryRecorder, *controllableClock) {
	t.Helper()

	keys := keystore.NewMemoryKeystore()
	key, err := keystore.Generate()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if err := keys.Put("default", key); err != nil {
		t.Fatalf("failed to store key: %v", err)
	}

	recorder := &memoryRecorder{}
	clock := newControllableClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	handler := NewHandler(sealer.New(), keys, recorder, WithClock(clock.Now))
	logger := zaptest.NewLogger(t)
	router := NewRouter(handler, logger, WithLogging(false))

	return router, recorder, clock
}

func postJSON(t *testing.T, router http.Handler, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	resp := httptest.NewRecorder()
	writeInternalError(resp, assertError("boom"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.Code)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }

func TestHealthEndpoint(t *testing.T) {
	router, _, clock := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", clock.Now(), body.Timestamp)
	}
}

func TestSealThenOpenRoundTrip(t *testing.T) {
	router, recorder, _ := setupTestRouter(t)

	plaintext := []byte(`{"vault_url":"https://vault.internal:8200"}`)
	rec := postJSON(t, router, "/api/seal", map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 from seal, got %d: %s", rec.Code, rec.Body.String())
	}

	var sealed struct {
		Key      string `json:"key"`
		Artifact string `json:"artifact"`
		Size     int    `json:"size"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sealed); err != nil {
		t.Fatalf("failed to decode seal response: %v", err)
	}
	if sealed.Key != "default" {
		t.Fatalf("expected default key, got %s", sealed.Key)
	}
	if sealed.Size != 1+sealer.NonceSize+len(plaintext)+sealer.TagSize {
		t.Fatalf("unexpected artifact size %d", sealed.Size)
	}

	rec = postJSON(t, router, "/api/open", map[string]string{
		"artifact": sealed.Artifact,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 from open, got %d: %s", rec.Code, rec.Body.String())
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

	entries := recorder.all()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Operation != audit.OpSeal || !entries[0].Success {
		t.Fatalf("unexpected first audit entry: %+v", entries[0])
	}
	if entries[1].Operation != audit.OpOpen || !entries[1].Success {
		t.Fatalf("unexpected second audit entry: %+v", entries[1])
	}
	if entries[0].RequestID == "" {
		t.Fatalf("expected audit entry to carry the request ID")
	}
}

func TestSealRejectsBadRequests(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	tests := []struct {
		name       string
		payload    any
		wantStatus int
	}{
		{
			name:       "NotBase64",
			payload:    map[string]string{"plaintext": "not base64!!"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "UnknownKey",
			payload:    map[string]string{"key": "missing", "plaintext": ""},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "InvalidKeyName",
			payload:    map[string]string{"key": "NOT VALID", "plaintext": ""},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "KeyAndPassphraseTogether",
			payload:    map[string]string{"key": "default", "passphrase": "hunter2", "plaintext": ""},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "KDFParamsBelowMinimum",
			payload: map[string]any{
				"passphrase": "hunter2",
				"kdf":        kdf.Params{Time: 1, Memory: 1, Threads: 1, KeyLen: 32},
				"plaintext":  "",
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, router, "/api/seal", tc.payload)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSealThenOpenWithPassphrase(t *testing.T) {
	router, recorder, _ := setupTestRouter(t)

	// Cheap Argon2id parameters keep the test fast.
	params := kdf.Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}
	plaintext := []byte(`{"db_password":"hunter2"}`)

	rec := postJSON(t, router, "/api/seal", map[string]any{
		"passphrase": "correct horse battery staple",
		"kdf":        params,
		"plaintext":  base64.StdEncoding.EncodeToString(plaintext),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 from seal, got %d: %s", rec.Code, rec.Body.String())
	}

	var sealed struct {
		Key      string      `json:"key"`
		Artifact string      `json:"artifact"`
		Salt     string      `json:"salt"`
		KDF      *kdf.Params `json:"kdf"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sealed); err != nil {
		t.Fatalf("failed to decode seal response: %v", err)
	}
	if sealed.Salt == "" {
		t.Fatalf("expected the response to return the salt")
	}
	if sealed.KDF == nil || *sealed.KDF != params {
		t.Fatalf("expected the response to echo the KDF parameters, got %+v", sealed.KDF)
	}

	rec = postJSON(t, router, "/api/open", map[string]any{
		"passphrase": "correct horse battery staple",
		"salt":       sealed.Salt,
		"kdf":        sealed.KDF,
		"artifact":   sealed.Artifact,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 from open, got %d: %s", rec.Code, rec.Body.String())
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

	// Wrong passphrase derives a different key; the tag must not verify.
	rec = postJSON(t, router, "/api/open", map[string]any{
		"passphrase": "incorrect horse",
		"salt":       sealed.Salt,
		"kdf":        sealed.KDF,
		"artifact":   sealed.Artifact,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for wrong passphrase, got %d", rec.Code)
	}

	// Opening without the salt cannot work and is a client error.
	rec = postJSON(t, router, "/api/open", map[string]any{
		"passphrase": "correct horse battery staple",
		"kdf":        sealed.KDF,
		"artifact":   sealed.Artifact,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without salt, got %d", rec.Code)
	}

	entries := recorder.all()
	if len(entries) == 0 || entries[0].KeyName != "(passphrase)" {
		t.Fatalf("expected passphrase label in audit log, got %+v", entries)
	}
}

func TestOpenReportsTamperedArtifact(t *testing.T) {
	router, recorder, _ := setupTestRouter(t)

	rec := postJSON(t, router, "/api/seal", map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString([]byte("secret")),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seal failed: %d", rec.Code)
	}
	var sealed struct {
		Artifact string `json:"artifact"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sealed); err != nil {
		t.Fatalf("failed to decode seal response: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed.Artifact)
	if err != nil {
		t.Fatalf("artifact is not valid base64: %v", err)
	}
	raw[len(raw)-1] ^= 0x01

	rec = postJSON(t, router, "/api/open", map[string]string{
		"artifact": base64.StdEncoding.EncodeToString(raw),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for tampered artifact, got %d", rec.Code)
	}

	var body struct {
		Error      string `json:"error"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if body.Error != "Authentication failed" {
		t.Fatalf("unexpected error message: %s", body.Error)
	}
	if body.Suggestion == "" {
		t.Fatalf("expected a suggestion in the error response")
	}

	entries := recorder.all()
	last := entries[len(entries)-1]
	if last.Operation != audit.OpOpen || last.Success {
		t.Fatalf("expected failed open in audit log, got %+v", last)
	}
}

func TestOpenReportsMalformedAndUnsupportedArtifacts(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// Too short to hold header and tag.
	rec := postJSON(t, router, "/api/open", map[string]string{
		"artifact": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for truncated artifact, got %d", rec.Code)
	}

	// Long enough, but an unknown version byte.
	bogus := make([]byte, 64)
	bogus[0] = 9
	rec = postJSON(t, router, "/api/open", map[string]string{
		"artifact": base64.StdEncoding.EncodeToString(bogus),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown version, got %d", rec.Code)
	}
}

func TestKeyManagementEndpoints(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	rec := postJSON(t, router, "/api/keys", map[string]string{"name": "licensing"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Creating the same key twice conflicts.
	rec = postJSON(t, router, "/api/keys", map[string]string{"name": "licensing"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}

	rec = postJSON(t, router, "/api/keys", map[string]string{"name": "Bad Name"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad name, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", listRec.Code)
	}
	var listing struct {
		Keys       []string `json:"keys"`
		DefaultKey string   `json:"defaultKey"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode keys response: %v", err)
	}
	if len(listing.Keys) != 2 || listing.Keys[0] != "default" || listing.Keys[1] != "licensing" {
		t.Fatalf("unexpected key listing: %v", listing.Keys)
	}
	if listing.DefaultKey != "default" {
		t.Fatalf("unexpected default key: %s", listing.DefaultKey)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/keys/licensing", nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, req)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", delRec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/keys/licensing", nil)
	delRec = httptest.NewRecorder()
	router.ServeHTTP(delRec, req)
	if delRec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for deleted key, got %d", delRec.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	for i := 0; i < 3; i++ {
		rec := postJSON(t, router, "/api/seal", map[string]string{
			"plaintext": base64.StdEncoding.EncodeToString([]byte("x")),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("seal failed: %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/audit?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode audit response: %v", err)
	}
	if len(body.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(body.Entries))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/audit?limit=nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad limit, got %d", rec.Code)
	}

	// An absurd limit must be rejected, not allocated for.
	req = httptest.NewRequest(http.MethodGet, "/api/audit?limit=4611686018427387904", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for oversized limit, got %d", rec.Code)
	}
}

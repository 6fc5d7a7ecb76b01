package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ampiq/configseal/internal/audit"
	"github.com/ampiq/configseal/internal/kdf"
	"github.com/ampiq/configseal/internal/keystore"
	"github.com/ampiq/configseal/internal/sealer"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const maxRequestBody = 4 << 20 // 4 MiB of JSON is plenty for a config blob

const maxAuditLimit = 1000

// passphraseKeyLabel marks passphrase-derived keys in responses and audit
// entries. Parentheses keep it out of the valid keystore name space.
const passphraseKeyLabel = "(passphrase)"

// Handler wires sealer, keystore, and audit dependencies into HTTP handlers.
type Handler struct {
	sealer     sealer.Sealer
	keys       keystore.Keystore
	audit      audit.Recorder
	defaultKey string

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithDefaultKey sets the key used when a request does not name one.
func WithDefaultKey(name string) HandlerOption {
	return func(h *Handler) {
		h.defaultKey = name
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(s sealer.Sealer, keys keystore.Keystore, recorder audit.Recorder, opts ...HandlerOption) *Handler {
	h := &Handler{
		sealer:     s,
		keys:       keys,
		audit:      recorder,
		defaultKey: "default",
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req sealRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "plaintext must be base64-encoded")
		return
	}

	var (
		key     []byte
		keyName string
		resp    sealResponse
	)
	if req.Passphrase != "" {
		if req.Key != "" {
			writeError(w, http.StatusBadRequest, "Invalid request", "provide either a key name or a passphrase, not both")
			return
		}
		salt, err := kdf.NewSalt()
		if err != nil {
			writeInternalError(w, err)
			return
		}
		params := kdf.DefaultParams()
		if req.KDF != nil {
			params = *req.KDF
		}
		key, err = kdf.Derive([]byte(req.Passphrase), salt, params)
		if err != nil {
			h.writeKDFError(w, err)
			return
		}
		keyName = passphraseKeyLabel
		resp.Salt = base64.StdEncoding.EncodeToString(salt)
		resp.KDF = &params
	} else {
		keyName = req.Key
		if keyName == "" {
			keyName = h.defaultKey
		}
		key, err = h.keys.Get(keyName)
		if err != nil {
			h.writeKeyError(w, keyName, err)
			return
		}
	}

	start := time.Now()
	artifact, sealErr := h.sealer.Seal(plaintext, key)
	elapsed := time.Since(start)

	h.record(r.Context(), audit.OpSeal, keyName, len(plaintext), sealErr == nil)

	if sealErr != nil {
		writeInternalError(w, sealErr)
		return
	}

	resp.Key = keyName
	resp.Artifact = base64.StdEncoding.EncodeToString(artifact)
	resp.Size = len(artifact)
	resp.SealTimeMs = elapsed.Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	artifact, err := base64.StdEncoding.DecodeString(req.Artifact)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "artifact must be base64-encoded")
		return
	}

	var (
		key     []byte
		keyName string
	)
	if req.Passphrase != "" {
		if req.Key != "" {
			writeError(w, http.StatusBadRequest, "Invalid request", "provide either a key name or a passphrase, not both")
			return
		}
		salt, err := base64.StdEncoding.DecodeString(req.Salt)
		if err != nil || len(salt) == 0 {
			writeError(w, http.StatusBadRequest, "Invalid request", "salt must be the base64 value returned at seal time")
			return
		}
		params := kdf.DefaultParams()
		if req.KDF != nil {
			params = *req.KDF
		}
		key, err = kdf.Derive([]byte(req.Passphrase), salt, params)
		if err != nil {
			h.writeKDFError(w, err)
			return
		}
		keyName = passphraseKeyLabel
	} else {
		keyName = req.Key
		if keyName == "" {
			keyName = h.defaultKey
		}
		key, err = h.keys.Get(keyName)
		if err != nil {
			h.writeKeyError(w, keyName, err)
			return
		}
	}

	plaintext, openErr := h.sealer.Open(artifact, key)

	h.record(r.Context(), audit.OpOpen, keyName, len(artifact), openErr == nil)

	if openErr != nil {
		switch {
		case errors.Is(openErr, sealer.ErrMalformedArtifact):
			writeError(w, http.StatusBadRequest, "Malformed artifact", openErr.Error())
		case errors.Is(openErr, sealer.ErrUnsupportedFormat):
			writeError(w, http.StatusBadRequest, "Unsupported format", openErr.Error())
		case errors.Is(openErr, sealer.ErrAuthenticationFailed):
			suggestion := "Verify the artifact was sealed with key \"" + keyName + "\" and has not been modified"
			if keyName == passphraseKeyLabel {
				suggestion = "Verify the passphrase, salt, and KDF parameters match those used at seal time"
			}
			writeError(w, http.StatusUnprocessableEntity, "Authentication failed", openErr.Error(), suggestion)
		default:
			writeInternalError(w, openErr)
		}
		return
	}

	resp := openResponse{
		Key:       keyName,
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
		Size:      len(plaintext),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	_ = r
	names, err := h.keys.Names()
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := keysResponse{
		Keys:       names,
		DefaultKey: h.defaultKey,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	if err := keystore.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key name", err.Error())
		return
	}

	key, err := keystore.Generate()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if err := h.keys.PutIfAbsent(req.Name, key); err != nil {
		if errors.Is(err, keystore.ErrKeyExists) {
			writeError(w, http.StatusConflict, "Key exists", "a key named \""+req.Name+"\" already exists")
			return
		}
		writeInternalError(w, err)
		return
	}

	resp := createKeyResponse{
		Name:    req.Name,
		Message: "Key generated successfully",
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.keys.Delete(name); err != nil {
		h.writeKeyError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxAuditLimit {
			writeError(w, http.StatusBadRequest, "Invalid request",
				"limit must be an integer between 1 and "+strconv.Itoa(maxAuditLimit))
			return
		}
		limit = parsed
	}

	entries, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

func (h *Handler) writeKeyError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "Unknown key", "no key named \""+name+"\"")
	case errors.Is(err, keystore.ErrInvalidKeyName):
		writeError(w, http.StatusBadRequest, "Invalid key name", err.Error())
	case errors.Is(err, keystore.ErrInvalidKeyEncoding):
		writeError(w, http.StatusInternalServerError, "Corrupt key", err.Error())
	default:
		writeInternalError(w, err)
	}
}

func (h *Handler) writeKDFError(w http.ResponseWriter, err error) {
	if errors.Is(err, kdf.ErrInvalidParams) || errors.Is(err, kdf.ErrShortSalt) {
		writeError(w, http.StatusBadRequest, "Invalid KDF parameters", err.Error())
		return
	}
	writeInternalError(w, err)
}

// record writes an audit entry. Auditing must never fail the request itself.
func (h *Handler) record(ctx context.Context, op, keyName string, size int, success bool) {
	_ = h.audit.Record(ctx, audit.Entry{
		Operation: op,
		KeyName:   keyName,
		Size:      size,
		Success:   success,
		RequestID: requestIDFromContext(ctx),
		CreatedAt: h.clock(),
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type sealRequest struct {
	Key        string      `json:"key,omitempty"`
	Passphrase string      `json:"passphrase,omitempty"`
	KDF        *kdf.Params `json:"kdf,omitempty"`
	Plaintext  string      `json:"plaintext"`
}

type sealResponse struct {
	Key        string      `json:"key"`
	Artifact   string      `json:"artifact"`
	Salt       string      `json:"salt,omitempty"`
	KDF        *kdf.Params `json:"kdf,omitempty"`
	Size       int         `json:"size"`
	SealTimeMs int64       `json:"sealTimeMs"`
}

type openRequest struct {
	Key        string      `json:"key,omitempty"`
	Passphrase string      `json:"passphrase,omitempty"`
	Salt       string      `json:"salt,omitempty"`
	KDF        *kdf.Params `json:"kdf,omitempty"`
	Artifact   string      `json:"artifact"`
}

type openResponse struct {
	Key       string `json:"key"`
	Plaintext string `json:"plaintext"`
	Size      int    `json:"size"`
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type keysResponse struct {
	Keys       []string `json:"keys"`
	DefaultKey string   `json:"defaultKey"`
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}

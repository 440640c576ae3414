// Package api implements the self-encryption gateway's S3-shaped HTTP
// surface: PUT/GET/DELETE/HEAD/LIST over {bucket}/{key}, each object backed
// by its own selfencrypt.Engine and data map rather than a proxied S3
// object. Adapted from the teacher's internal/api, which proxied the same
// verbs to a real S3-compatible backend after running bytes through a
// bespoke streaming EncryptionEngine; here the engine *is* the storage
// layer (selfencrypt.Engine + a ChunkStore), so there is no upstream S3 put
// to forward to.
package api

import (
	"context"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/selfencrypt/internal/auditlog"
	"github.com/kenneth/selfencrypt/internal/obsmetrics"
	"github.com/kenneth/selfencrypt/selfencrypt"
	"github.com/kenneth/selfencrypt/selfencrypt/datamap"
	"github.com/kenneth/selfencrypt/selfencrypt/keymanager"
	chunkstore "github.com/kenneth/selfencrypt/selfencrypt/store"
)

// Handler serves the gateway's object routes over a shared ChunkStore. Each
// request opens its own selfencrypt.Engine against the object's data map —
// engines are cheap and, per §5, single-writer, so one per request avoids
// any cross-request mutable state.
type Handler struct {
	store      chunkstore.ChunkStore
	keyManager keymanager.KeyManager // optional; nil disables at-rest envelope wrapping
	dir        *Directory
	auditor    auditlog.Logger
	logger     *logrus.Logger
	metrics    *obsmetrics.Metrics
	tracer     trace.Tracer
}

// NewHandler creates a new API handler. keyManager and auditor may be nil.
// tracer may be nil, in which case spans are skipped (obstracing.Setup
// returns a no-op tracer by default, so callers normally pass that instead).
func NewHandler(store chunkstore.ChunkStore, keyManager keymanager.KeyManager, dir *Directory, auditor auditlog.Logger, logger *logrus.Logger, m *obsmetrics.Metrics, tracer trace.Tracer) *Handler {
	if dir == nil {
		dir = NewDirectory()
	}
	return &Handler{
		store:      store,
		keyManager: keyManager,
		dir:        dir,
		auditor:    auditor,
		logger:     logger,
		metrics:    m,
		tracer:     tracer,
	}
}

// startSpan begins a span named name if a tracer is configured, otherwise
// returns ctx unchanged and a no-op end func.
func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if h.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := h.tracer.Start(ctx, name)
	return spanCtx, func() { span.End() }
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	objRouter := r.PathPrefix("/").Subrouter()
	objRouter.HandleFunc("/{bucket}", h.handleListObjects).Methods("GET")
	objRouter.HandleFunc("/{bucket}/{key:.*}", h.handleGetObject).Methods("GET")
	objRouter.HandleFunc("/{bucket}/{key:.*}", h.handlePutObject).Methods("PUT")
	objRouter.HandleFunc("/{bucket}/{key:.*}", h.handleDeleteObject).Methods("DELETE")
	objRouter.HandleFunc("/{bucket}/{key:.*}", h.handleHeadObject).Methods("HEAD")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	obsmetrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/health", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	checks := map[string]func(context.Context) error{
		"chunkstore": h.chunkStoreHealthCheck,
	}
	if h.keyManager != nil {
		checks["keymanager"] = h.keyManager.HealthCheck
	}
	obsmetrics.ReadinessHandler(checks)(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/ready", http.StatusOK, time.Since(start), 0)
}

// chunkStoreHealthCheck probes the chunk store with a Get against a
// reserved all-zero key. A missing key still proves the store answered;
// only a genuine backend error (network, auth, capacity) fails readiness.
func (h *Handler) chunkStoreHealthCheck(ctx context.Context) error {
	var probe chunkstore.Key
	_, err := h.store.Get(ctx, probe)
	if err == nil || errors.Is(err, chunkstore.ErrMissing) {
		return nil
	}
	return err
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	obsmetrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/live", http.StatusOK, time.Since(start), 0)
}

// objectIdentity derives the (parent_id, this_id) pair the data-map
// encryptor (§4.6) keys off, as the SHA-512 of the bucket and of the key
// respectively. Using the bucket as parent means every object in a bucket
// shares nothing; it only establishes a deterministic, convergent identity
// pair for the same bucket/key across gateway restarts.
func objectIdentity(bucket, key string) (parentID, thisID [64]byte) {
	return sha512.Sum512([]byte(bucket)), sha512.Sum512([]byte(key))
}

// handleGetObject handles GET object requests, including byte-range reads
// (served directly by selfencrypt.Engine.Read at an arbitrary offset — no
// bespoke range-optimization layer is needed, since random access is the
// engine's native read mode).
func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	ctx := r.Context()

	if bucket == "" || key == "" {
		http.Error(w, "Invalid bucket or key", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	rec, ok := h.dir.Get(bucket, key)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusNotFound, time.Since(start), 0)
		return
	}

	engine, err := h.openEngine(ctx, bucket, key, rec)
	if err != nil {
		h.logGetFailure(bucket, key, err)
		http.Error(w, "Failed to decrypt object", http.StatusInternalServerError)
		h.metrics.RecordChunkError(ctx, "decrypt", "decryption_failed")
		h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusInternalServerError, time.Since(start), 0)
		return
	}

	size := engine.Size()
	offset, length, status := parseRange(r.Header.Get("Range"), size)

	out := make([]byte, length)
	decryptStart := time.Now()
	readCtx, endSpan := h.startSpan(ctx, "selfencrypt.read")
	defer endSpan()
	if err := engine.Read(readCtx, out, offset); err != nil {
		h.logGetFailure(bucket, key, err)
		http.Error(w, "Failed to read object", http.StatusInternalServerError)
		h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusInternalServerError, time.Since(start), 0)
		return
	}
	h.metrics.RecordChunkOperation(ctx, "decrypt", time.Since(decryptStart), int64(length))
	h.recordEngineCacheMetrics(engine)
	if h.auditor != nil {
		h.auditor.LogAccess(string(auditlog.EventTypeAccess), "gateway", key, clientIP(r), r.UserAgent(), requestID(r), true, nil, time.Since(decryptStart))
	}

	for k, v := range rec.Metadata {
		if !isEncryptionMetadata(k) {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.FormatInt(int64(length), 10))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size))
	}
	w.WriteHeader(status)

	n, err := w.Write(out)
	if err != nil {
		h.logger.WithError(err).Error("failed to write response")
	}
	h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, status, time.Since(start), int64(n))
}

// recordEngineCacheMetrics reports an engine's read-cache hit ratio and
// chunk-buffer-pool hit/miss counts to obsmetrics after a GET's read,
// so the gauges/counters internal/obsmetrics exposes for these actually
// move in a running gateway rather than only in their own unit tests.
func (h *Handler) recordEngineCacheMetrics(engine *selfencrypt.Engine) {
	if hits, misses := engine.ReadCacheHits(), engine.ReadCacheMisses(); hits+misses > 0 {
		h.metrics.SetReadCacheHitRatio(float64(hits) / float64(hits+misses))
	}
	bp := engine.BufferPoolMetrics()
	h.metrics.AddBufferPoolHits("iv16", bp.Hits16)
	h.metrics.AddBufferPoolMisses("iv16", bp.Misses16)
	h.metrics.AddBufferPoolHits("key32", bp.Hits32)
	h.metrics.AddBufferPoolMisses("key32", bp.Misses32)
	h.metrics.AddBufferPoolHits("chunk", bp.HitsChunk)
	h.metrics.AddBufferPoolMisses("chunk", bp.MissesChunk)
}

func (h *Handler) logGetFailure(bucket, key string, err error) {
	h.logger.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).Error("failed to get object")
	if h.auditor != nil {
		h.auditor.LogDecrypt("gateway", key, "aes-256-cfb", 0, false, err, 0, nil)
	}
}

// parseRange parses a single-range "Range: bytes=a-b" header against size,
// returning the offset/length to read and the status code to answer with.
// Anything it can't parse falls back to the full object.
func parseRange(header string, size uint64) (offset, length uint64, status int) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, size, http.StatusOK
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(parts) != 2 {
		return 0, size, http.StatusOK
	}
	start, err1 := strconv.ParseUint(parts[0], 10, 64)
	if err1 != nil || start >= size {
		return 0, size, http.StatusOK
	}
	end := size - 1
	if parts[1] != "" {
		if e, err2 := strconv.ParseUint(parts[1], 10, 64); err2 == nil && e < size {
			end = e
		}
	}
	if end < start {
		return 0, size, http.StatusOK
	}
	return start, end - start + 1, http.StatusPartialContent
}

// handlePutObject handles PUT object requests: the whole body is read,
// written into a fresh engine at offset 0, flushed, and the resulting data
// map encrypted and recorded in the directory.
func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	ctx := r.Context()

	if bucket == "" || key == "" {
		http.Error(w, "Invalid bucket or key", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "PUT", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	metadata := make(map[string]string)
	for k, v := range r.Header {
		if len(v) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") || isStandardMetadata(k) {
			metadata[k] = v[0]
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "PUT", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	engine := selfencrypt.Open(nil, h.store, h.logger)
	encryptStart := time.Now()
	flushCtx, endSpan := h.startSpan(ctx, "selfencrypt.flush")
	if err := engine.Write(flushCtx, body, 0); err != nil {
		endSpan()
		h.putFailed(w, r, bucket, key, start, "encrypt", err)
		return
	}
	if err := engine.Flush(flushCtx); err != nil {
		endSpan()
		h.putFailed(w, r, bucket, key, start, "encrypt", err)
		return
	}
	endSpan()
	encryptDuration := time.Since(encryptStart)
	h.metrics.RecordChunkOperation(ctx, "encrypt", encryptDuration, int64(len(body)))

	dm := engine.DataMap()
	parentID, thisID := objectIdentity(bucket, key)
	encrypted, err := datamap.EncryptDataMap(parentID, thisID, dm)
	if err != nil {
		h.putFailed(w, r, bucket, key, start, "encrypt", err)
		return
	}

	rec := &objectRecord{Metadata: metadata}
	if h.keyManager != nil {
		wrapped, iv, envelope, err := h.wrapAtRest(ctx, encrypted)
		if err != nil {
			h.putFailed(w, r, bucket, key, start, "encrypt", err)
			return
		}
		rec.EncryptedDataMap = wrapped
		rec.KMSIV = iv
		rec.KMSEnvelope = envelope
	} else {
		rec.EncryptedDataMap = encrypted
	}
	h.dir.Put(bucket, key, rec)

	if h.auditor != nil {
		h.auditor.LogEncrypt("gateway", key, "aes-256-cfb", rec.envelopeVersion(), true, nil, encryptDuration, map[string]interface{}{"bytes": len(body)})
	}

	w.WriteHeader(http.StatusOK)
	h.metrics.RecordHTTPRequest(ctx, "PUT", r.URL.Path, http.StatusOK, time.Since(start), int64(len(body)))
}

func (h *Handler) putFailed(w http.ResponseWriter, r *http.Request, bucket, key string, start time.Time, op string, err error) {
	h.logger.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).Error("failed to put object")
	if h.auditor != nil {
		h.auditor.LogEncrypt("gateway", key, "aes-256-cfb", 0, false, err, 0, nil)
	}
	h.metrics.RecordChunkError(r.Context(), op, "failed")
	http.Error(w, "Failed to store object", http.StatusInternalServerError)
	h.metrics.RecordHTTPRequest(r.Context(), "PUT", r.URL.Path, http.StatusInternalServerError, time.Since(start), 0)
}

func (rec *objectRecord) envelopeVersion() int {
	if rec.KMSEnvelope == nil {
		return 0
	}
	return rec.KMSEnvelope.KeyVersion
}

// wrapAtRest adds an additional AES-256-CFB layer over an already-encrypted
// data map (§4.6's output), keyed by a fresh random key that is itself
// wrapped by h.keyManager — the "additive, never replacing the spec's
// direct derivation" enrichment SPEC_FULL.md §6 records as an open-question
// resolution.
func (h *Handler) wrapAtRest(ctx context.Context, plaintext []byte) (wrapped, iv []byte, envelope *keymanager.KeyEnvelope, err error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, nil, fmt.Errorf("wrap at rest: generate key: %w", err)
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("wrap at rest: generate iv: %w", err)
	}
	wrapped, err = datamap.AESCFBEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wrap at rest: encrypt: %w", err)
	}
	envelope, err = h.keyManager.WrapKey(ctx, key, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wrap at rest: kms wrap: %w", err)
	}
	return wrapped, iv, envelope, nil
}

// openEngine reconstructs the selfencrypt.Engine for rec, reversing any KMS
// at-rest wrapping before decrypting the data map itself.
func (h *Handler) openEngine(ctx context.Context, bucket, key string, rec *objectRecord) (*selfencrypt.Engine, error) {
	encrypted := rec.EncryptedDataMap
	if rec.KMSEnvelope != nil {
		if h.keyManager == nil {
			return nil, fmt.Errorf("object was wrapped by a key manager but none is configured")
		}
		atRestKey, err := h.keyManager.UnwrapKey(ctx, rec.KMSEnvelope, nil)
		if err != nil {
			return nil, fmt.Errorf("unwrap at-rest key: %w", err)
		}
		encrypted, err = datamap.AESCFBDecrypt(atRestKey, rec.KMSIV, encrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt at-rest layer: %w", err)
		}
	}

	parentID, thisID := objectIdentity(bucket, key)
	dm, err := datamap.DecryptDataMap(parentID, thisID, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt data map: %w", err)
	}
	return selfencrypt.Open(dm, h.store, h.logger), nil
}

// isStandardMetadata checks if a header is a standard HTTP metadata header.
func isStandardMetadata(key string) bool {
	standardHeaders := map[string]bool{
		"Content-Type":  true,
		"Cache-Control": true,
		"Expires":       true,
	}
	return standardHeaders[key]
}

// isEncryptionMetadata reports whether a metadata key is internal to the
// gateway's own bookkeeping and should never be echoed back to clients.
func isEncryptionMetadata(key string) bool {
	switch key {
	case "x-amz-meta-encrypted", "x-amz-meta-encryption-algorithm":
		return true
	default:
		return false
	}
}

// handleDeleteObject deletes an object: every chunk its data map
// references is deleted from the chunk store (best-effort, as §5's ordering
// guarantee specifies for delete), then the directory entry is removed.
func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	ctx := r.Context()

	if bucket == "" || key == "" {
		http.Error(w, "Invalid bucket or key", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "DELETE", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	rec, ok := h.dir.Get(bucket, key)
	if ok {
		if engine, err := h.openEngine(ctx, bucket, key, rec); err == nil {
			for _, c := range engine.DataMap().Chunks {
				_ = h.store.Delete(ctx, chunkstore.Key(c.PostHash))
			}
		}
	}
	h.dir.Delete(bucket, key)

	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordHTTPRequest(ctx, "DELETE", r.URL.Path, http.StatusNoContent, time.Since(start), 0)
}

// handleHeadObject reports an object's size and metadata without touching
// the chunk store: the data map alone carries the logical size (§3).
func (h *Handler) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	ctx := r.Context()

	if bucket == "" || key == "" {
		http.Error(w, "Invalid bucket or key", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "HEAD", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	rec, ok := h.dir.Get(bucket, key)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		h.metrics.RecordHTTPRequest(ctx, "HEAD", r.URL.Path, http.StatusNotFound, time.Since(start), 0)
		return
	}

	engine, err := h.openEngine(ctx, bucket, key, rec)
	if err != nil {
		http.Error(w, "Failed to read object metadata", http.StatusInternalServerError)
		h.metrics.RecordHTTPRequest(ctx, "HEAD", r.URL.Path, http.StatusInternalServerError, time.Since(start), 0)
		return
	}

	for k, v := range rec.Metadata {
		if !isEncryptionMetadata(k) {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.FormatUint(engine.Size(), 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordHTTPRequest(ctx, "HEAD", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

// handleListObjects lists keys in bucket, optionally filtered by prefix.
func (h *Handler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	bucket := vars["bucket"]
	ctx := r.Context()

	if bucket == "" {
		http.Error(w, "Invalid bucket", http.StatusBadRequest)
		h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusBadRequest, time.Since(start), 0)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	keys := h.dir.List(bucket, prefix)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<ListBucketResult>\n"))
	for _, k := range keys {
		w.Write([]byte("<Contents><Key>" + k + "</Key></Contents>\n"))
	}
	w.Write([]byte("</ListBucketResult>"))

	h.metrics.RecordHTTPRequest(ctx, "GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

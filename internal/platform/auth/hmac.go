package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks nonces that have already been accepted so a captured
// request cannot be replayed inside the timestamp window.
type NonceStore interface {
	// UseNonce records the nonce within the scope. It returns true when the
	// nonce was fresh and false when it was already used.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps accepted nonces in process memory. Suitable for a
// single instance; multi-instance deployments need a shared store.
type InMemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{entries: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	now := time.Now()
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(now)
	if existing, ok := s.entries[key]; ok && existing.After(now) {
		return false, nil
	}
	s.entries[key] = expiry
	return true, nil
}

func (s *InMemoryNonceStore) purgeLocked(now time.Time) {
	for key, expiry := range s.entries {
		if expiry.Before(now) {
			delete(s.entries, key)
		}
	}
}

// HMACValidator verifies signed requests from trusted integrations. Webhook
// deliveries use a body-only digest; internal service calls use the full
// canonical form with timestamp and nonce.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator over the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names checked by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises how long accepted nonces are retained.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes a verified signature for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// hmacFailure carries a verification rejection through the check helpers.
type hmacFailure struct {
	status  int
	code    string
	message string
	reason  string
}

func reject(status int, code, message, reason string) *hmacFailure {
	return &hmacFailure{status: status, code: code, message: message, reason: reason}
}

func unavailable(message, reason string) *hmacFailure {
	return reject(http.StatusServiceUnavailable, "verification_unavailable", message, reason)
}

// RequireHMAC verifies the full canonical signature: method, path, timestamp,
// nonce, and body digest. Internal service-to-service calls sign this way.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, failure := v.verifySignedRequest(r, name)
			if failure != nil {
				v.record(r.Context(), false, failure.reason, start)
				writeAuthError(w, failure.status, failure.code, failure.message)
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(r.Context(), meta)))
		})
	}
}

// RequireBodyHMAC verifies signatures computed over the raw request body only.
// Commerce platforms sign webhook deliveries this way, placing the base64
// digest in a single header with no timestamp or nonce.
func (v *HMACValidator) RequireBodyHMAC(secretName, header string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)
	headerName := strings.TrimSpace(header)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, failure := v.verifyBodyDigest(r, name, headerName)
			if failure != nil {
				v.record(r.Context(), false, failure.reason, start)
				writeAuthError(w, failure.status, failure.code, failure.message)
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(r.Context(), meta)))
		})
	}
}

// RequireHMACResolver selects the secret per request, for routes that receive
// deliveries from more than one signing party.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}
			name, ok := resolver(r)
			if !ok || strings.TrimSpace(name) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				writeAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}
			v.RequireHMAC(name)(next).ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verifySignedRequest(r *http.Request, secretName string) (*HMACMetadata, *hmacFailure) {
	secret, failure := v.secretFor(r.Context(), secretName)
	if failure != nil {
		return nil, failure
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing")
	}

	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, reject(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing")
	}
	timestamp, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing")
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable")
	}

	signature, err := decodeDigest(rawSignature)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid")
	}
	expected := signPayload(secret, canonicalPayload(r, body, rawTimestamp, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch")
	}

	if failure := v.consumeNonce(r.Context(), secretName, nonce, timestamp); failure != nil {
		return nil, failure
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) verifyBodyDigest(r *http.Request, secretName, headerName string) (*HMACMetadata, *hmacFailure) {
	secret, failure := v.secretFor(r.Context(), secretName)
	if failure != nil {
		return nil, failure
	}

	if headerName == "" {
		headerName = v.signatureHeader
	}
	rawSignature := strings.TrimSpace(r.Header.Get(headerName))
	if rawSignature == "" {
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing")
	}
	signature, err := decodeDigest(rawSignature)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid")
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable")
	}

	if !hmac.Equal(signature, signPayload(secret, body)) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch")
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) secretFor(ctx context.Context, name string) ([]byte, *hmacFailure) {
	if name == "" {
		return nil, unavailable("hmac secret not configured", "secret_not_configured")
	}
	secret, err := v.loadSecret(ctx, name)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return nil, unavailable("hmac secret unavailable", "secret_unavailable")
	}
	return secret, nil
}

func (v *HMACValidator) consumeNonce(ctx context.Context, scope, nonce string, timestamp time.Time) *hmacFailure {
	if v.nonces == nil {
		return unavailable("nonce store unavailable", "nonce_store_unavailable")
	}

	expiry := timestamp.Add(v.nonceTTL)
	if now := v.now(); expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}

	fresh, err := v.nonces.UseNonce(ctx, scope, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return unavailable("nonce storage error", "nonce_store_error")
	}
	if !fresh {
		return reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay")
	}
	return nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}

	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeDigest(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalPayload is the string both sides sign: method, escaped path,
// timestamp, nonce, and the hex body digest, newline separated.
func canonicalPayload(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func signPayload(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

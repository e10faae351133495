package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) lastReason(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("expected at least one metric record")
	}
	return m.records[len(m.records)-1].reason
}

func newSigningKey(t *testing.T, kid string) (*rsa.PrivateKey, jose.JSONWebKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}
}

func jwksServer(t *testing.T, requests *int, keys ...jose.JSONWebKey) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests != nil {
			mu.Lock()
			*requests++
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=3600")
		if err := json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys}); err != nil {
			t.Errorf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestJWKSCacheServesFromCache(t *testing.T) {
	_, jwk := newSigningKey(t, "key1")

	var requests int
	server := jwksServer(t, &requests, jwk)

	cache := NewJWKSCache(server.URL,
		WithJWKSLogger(noopLogger{}),
		WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }),
	)

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}

	if _, err = cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", requests)
	}
}

func TestJWKSCacheUnknownKidRefetchesOnce(t *testing.T) {
	_, jwk := newSigningKey(t, "key1")

	var requests int
	server := jwksServer(t, &requests, jwk)

	cache := NewJWKSCache(server.URL, WithJWKSLogger(noopLogger{}))

	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, err := cache.Key(context.Background(), "rotated-away"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
	if requests != 2 {
		t.Fatalf("expected exactly one refetch for the unknown kid, got %d fetches", requests)
	}
}

func TestRequireOIDCSuccess(t *testing.T) {
	validator, metrics, token := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"https://editions.internal"}
		claims["iss"] = "https://accounts.google.com"
	})

	middleware := validator.RequireOIDC("https://editions.internal", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/orders:sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected service identity in context")
		}
		if identity.Email != "scheduler@editions.iam.gserviceaccount.com" {
			t.Fatalf("unexpected identity email %q", identity.Email)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if reason := metrics.lastReason(t); reason != "ok" {
		t.Fatalf("expected ok metric, got %q", reason)
	}
}

func TestRequireOIDCAudienceMismatch(t *testing.T) {
	validator, metrics, token := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"https://another-service.internal"}
		claims["iss"] = "https://accounts.google.com"
	})

	middleware := validator.RequireOIDC("https://editions.internal", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/orders:sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if reason := metrics.lastReason(t); reason != "audience_mismatch" {
		t.Fatalf("expected audience_mismatch metric, got %q", reason)
	}
}

func TestRequireOIDCUsesIAPHeader(t *testing.T) {
	validator, _, token := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"/projects/123/global/backendServices/456"}
		claims["iss"] = "https://cloud.google.com/iap"
	})

	middleware := validator.RequireOIDC("/projects/123/global/backendServices/456", []string{"https://cloud.google.com/iap"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/editions:assign", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", token)

	middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
}

func TestRequireOIDCJWKSUnavailable(t *testing.T) {
	validator, metrics, token := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"https://editions.internal"}
		claims["iss"] = "https://accounts.google.com"
	})

	// Point the cache at an unreachable endpoint so key resolution fails.
	validator.cache.url = "http://127.0.0.1:65535/invalid"

	middleware := validator.RequireOIDC("https://editions.internal", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/orders:sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if reason := metrics.lastReason(t); reason != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable metric, got %q", reason)
	}
}

func newOIDCFixture(t *testing.T, mutateClaims func(jwt.MapClaims)) (*OIDCValidator, *recordingMetrics, string) {
	t.Helper()

	key, jwk := newSigningKey(t, "svc-key")
	server := jwksServer(t, nil, jwk)

	metrics := &recordingMetrics{}

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	validator := NewOIDCValidator(
		NewJWKSCache(server.URL,
			WithJWKSLogger(noopLogger{}),
			WithJWKSClock(func() time.Time { return now }),
		),
		WithOIDCLogger(noopLogger{}),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   []string{"https://editions.internal"},
		"iss":   "https://accounts.google.com",
		"sub":   "108204920391829384756",
		"email": "scheduler@editions.iam.gserviceaccount.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutateClaims != nil {
		mutateClaims(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return validator, metrics, signed
}

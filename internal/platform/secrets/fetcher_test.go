package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	fail   map[string]error
	calls  map[string]int
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		values: map[string]string{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.calls[name]++
	if err := s.fail[name]; err != nil {
		return nil, err
	}
	value, ok := s.values[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) callsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func newTestFetcher(t *testing.T, client secretManagerClient, extra ...Option) *Fetcher {
	t.Helper()

	opts := append([]Option{
		WithSecretManagerClient(client),
		WithDefaultProject("editions-prod"),
		WithLogger(zap.NewNop()),
	}, extra...)

	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func writeFallbackFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteValue(t *testing.T) {
	client := newStubSecretManager()
	resource := "projects/editions-prod/secrets/shopify_admin_token/versions/latest"
	client.values[resource] = "shpat_test_token"

	fetcher := newTestFetcher(t, client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(ctx, "secret://shopify_admin_token")
		if err != nil {
			t.Fatalf("Resolve attempt %d returned error: %v", i, err)
		}
		if got != "shpat_test_token" {
			t.Fatalf("attempt %d: expected shpat_test_token, got %s", i, got)
		}
	}

	if calls := client.callsFor(resource); calls != 1 {
		t.Fatalf("expected a single remote fetch, got %d", calls)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	client := newStubSecretManager()
	resource := "projects/editions-prod/secrets/stripe_api_key/versions/latest"
	client.fail[resource] = status.Error(codes.PermissionDenied, "denied")

	fallback := writeFallbackFile(t, "secret://stripe_api_key=sk_test_local\n")
	fetcher := newTestFetcher(t, client, WithFallbackFile(fallback))

	got, err := fetcher.Resolve(context.Background(), "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("expected fallback value sk_test_local, got %s", got)
	}
}

func TestResolveNotFoundDoesNotFallBack(t *testing.T) {
	client := newStubSecretManager()

	fallback := writeFallbackFile(t, "secret://stripe_api_key=sk_test_local\n")
	fetcher := newTestFetcher(t, client, WithFallbackFile(fallback))

	if _, err := fetcher.Resolve(context.Background(), "secret://stripe_api_key"); err == nil {
		t.Fatal("expected error for a secret missing from secret manager")
	}
}

func TestResolveHonoursVersionPin(t *testing.T) {
	client := newStubSecretManager()
	pinned := "projects/editions-prod/secrets/webhook_signing_secret/versions/7"
	client.values[pinned] = "whsec_v7"

	fetcher := newTestFetcher(t, client, WithVersionPins(map[string]string{
		"secret://webhook_signing_secret": "7",
	}))

	got, err := fetcher.Resolve(context.Background(), "secret://webhook_signing_secret")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "whsec_v7" {
		t.Fatalf("expected pinned value whsec_v7, got %s", got)
	}
	if calls := client.callsFor(pinned); calls != 1 {
		t.Fatalf("expected fetch of pinned version, got %d calls", calls)
	}
}

func TestResolveProjectOverrideAndAlias(t *testing.T) {
	client := newStubSecretManager()
	resource := "projects/editions-staging/secrets/shopify_admin_token/versions/latest"
	client.values[resource] = "shpat_staging"

	fetcher := newTestFetcher(t, client)

	got, err := fetcher.Resolve(context.Background(), "sm://shopify_admin_token?project=editions-staging")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "shpat_staging" {
		t.Fatalf("expected shpat_staging, got %s", got)
	}
}

func TestInvalidateNotifiesSubscribersAndDropsCache(t *testing.T) {
	client := newStubSecretManager()
	resource := "projects/editions-prod/secrets/shopify_admin_token/versions/latest"
	client.values[resource] = "shpat_one"

	fetcher := newTestFetcher(t, client)
	ctx := context.Background()

	if _, err := fetcher.Resolve(ctx, "secret://shopify_admin_token"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	ch, cancel := fetcher.Subscribe("secret://shopify_admin_token")
	defer cancel()

	fetcher.Invalidate("secret://shopify_admin_token")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected invalidation notification")
	}

	client.mu.Lock()
	client.values[resource] = "shpat_two"
	client.mu.Unlock()

	got, err := fetcher.Resolve(ctx, "secret://shopify_admin_token")
	if err != nil {
		t.Fatalf("Resolve after invalidation returned error: %v", err)
	}
	if got != "shpat_two" {
		t.Fatalf("expected rotated value shpat_two, got %s", got)
	}
}

func TestNewFetcherWithoutCredentialsServesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	fallback := writeFallbackFile(t, "# local overrides\nsecret://stripe_api_key=sk_test_local\n")

	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(fallback))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(context.Background(), "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("expected sk_test_local, got %s", got)
	}
}

func TestParseSecretRefRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		ref  string
	}{
		{name: "empty", ref: "   "},
		{name: "wrong scheme", ref: "vault://stripe_api_key"},
		{name: "missing name", ref: "secret://"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseSecretRef(tc.ref); err == nil {
				t.Fatalf("expected error for %q", tc.ref)
			}
		})
	}
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":     "coa-dev",
		"API_SHOPIFY_SHOP_DOMAIN":     "example.myshopify.com",
		"API_RESERVATION_HOUSE_EMAIL": "collection@example.com",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "coa-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Jobs.ProjectID != "coa-dev" {
		t.Errorf("expected jobs project to default to firestore project, got %s", cfg.Jobs.ProjectID)
	}
	if cfg.Jobs.EditionTopic != defaultEditionTopic {
		t.Errorf("unexpected default edition topic %s", cfg.Jobs.EditionTopic)
	}
	if cfg.Shopify.APIVersion != defaultShopifyAPIVersion {
		t.Errorf("unexpected default api version %s", cfg.Shopify.APIVersion)
	}
	if cfg.Shopify.MaxAttempts != defaultShopifyMaxAttempts {
		t.Errorf("unexpected default max attempts %d", cfg.Shopify.MaxAttempts)
	}
	if cfg.Reservation.CommissionPercent != defaultCommissionPercent {
		t.Errorf("unexpected default commission %f", cfg.Reservation.CommissionPercent)
	}
	if cfg.Reservation.DefaultCurrency != defaultReserveCurrency {
		t.Errorf("unexpected default currency %s", cfg.Reservation.DefaultCurrency)
	}
	if cfg.Sync.DefaultLimit != defaultSyncLimit {
		t.Errorf("unexpected default sync limit %d", cfg.Sync.DefaultLimit)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                     "9090",
		"API_SERVER_READ_TIMEOUT":             "20s",
		"API_SERVER_IDLE_TIMEOUT":             "2m",
		"API_FIREBASE_PROJECT_ID":             "coa-prod",
		"API_FIRESTORE_PROJECT_ID":            "coa-fire",
		"API_SHOPIFY_SHOP_DOMAIN":             "shop.example.com",
		"API_SHOPIFY_ACCESS_TOKEN":            "secret://shopify/token",
		"API_SHOPIFY_API_VERSION":             "2024-07",
		"API_SHOPIFY_MAX_ATTEMPTS":            "6",
		"API_RESERVATION_HOUSE_EMAIL":         "house@example.com",
		"API_RESERVATION_COMMISSION_PERCENT":  "30",
		"API_RESERVATION_CURRENCY":            "GBP",
		"API_STRIPE_API_KEY":                  "secret://stripe/api",
		"API_STRIPE_VENDOR_ACCOUNTS":          "ayla rose=acct_1,ben klee=acct_2",
		"API_JOBS_EDITION_TOPIC":              "editions-prod",
		"API_STORAGE_SNAPSHOT_BUCKET":         "order-snapshots-prod",
		"API_SYNC_DEFAULT_LIMIT":              "100",
		"API_WEBHOOK_SIGNING_SECRET":          "secret://webhook/secret",
		"API_WEBHOOK_ALLOWED_HOSTS":           "https://example.com, https://foo.bar",
		"API_SECURITY_ENVIRONMENT":            "prod",
		"API_SECURITY_OIDC_AUDIENCE":          "https://service.example.com",
		"API_SECURITY_HMAC_SECRETS":           "orders=secret://hmac/orders,shipping=shipping-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE":  "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":        "3m",
		"API_IDEMPOTENCY_HEADER":              "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                 "48h",
	}

	secrets := map[string]string{
		"secret://shopify/token":  "shpat_resolved",
		"secret://stripe/api":     "sk_live_resolved",
		"secret://webhook/secret": "webhook-secret",
		"secret://hmac/orders":    "orders-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "coa-fire" {
		t.Errorf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
	if cfg.Shopify.AccessToken != "shpat_resolved" {
		t.Errorf("expected resolved shopify token, got %s", cfg.Shopify.AccessToken)
	}
	if cfg.Shopify.MaxAttempts != 6 {
		t.Errorf("unexpected max attempts %d", cfg.Shopify.MaxAttempts)
	}
	if cfg.Reservation.CommissionPercent != 30 {
		t.Errorf("unexpected commission %f", cfg.Reservation.CommissionPercent)
	}
	if cfg.Stripe.APIKey != "sk_live_resolved" {
		t.Errorf("expected resolved stripe key, got %s", cfg.Stripe.APIKey)
	}
	if cfg.Stripe.VendorAccounts["ayla rose"] != "acct_1" {
		t.Errorf("unexpected vendor accounts %v", cfg.Stripe.VendorAccounts)
	}
	if cfg.Storage.SnapshotBucket != "order-snapshots-prod" {
		t.Errorf("unexpected snapshot bucket %s", cfg.Storage.SnapshotBucket)
	}
	if cfg.Sync.DefaultLimit != 100 {
		t.Errorf("unexpected sync limit %d", cfg.Sync.DefaultLimit)
	}
	if len(cfg.Webhooks.AllowedHosts) != 2 {
		t.Fatalf("expected 2 allowed hosts, got %v", cfg.Webhooks.AllowedHosts)
	}
	if cfg.Security.HMAC.Secrets["orders"] != "orders-hmac" {
		t.Errorf("expected resolved orders hmac secret, got %s", cfg.Security.HMAC.Secrets["orders"])
	}
	if cfg.Security.HMAC.Secrets["shipping"] != "shipping-secret" {
		t.Errorf("expected shipping secret fallback, got %s", cfg.Security.HMAC.Secrets["shipping"])
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=coa-dot\nAPI_SHOPIFY_SHOP_DOMAIN=dot.myshopify.com\nAPI_RESERVATION_HOUSE_EMAIL=house@dot.example\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Shopify.ShopDomain != "dot.myshopify.com" {
		t.Errorf("expected shop domain from dotenv, got %s", cfg.Shopify.ShopDomain)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_SHOPIFY_ACCESS_TOKEN"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://shopify/token=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://shopify/token=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Webhooks.SigningSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Webhooks.SigningSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestSettingsReaders(t *testing.T) {
	env := settings{
		"DURATION": "90s",
		"BROKEN":   "ninety seconds",
		"LIST":     "a, ,b,,c",
		"PAIRS":    "Ayla Rose=acct_1, ben klee =acct_2,noequals,empty=",
	}

	if got := env.duration("DURATION", time.Second); got != 90*time.Second {
		t.Errorf("unexpected duration %s", got)
	}
	if got := env.duration("BROKEN", time.Second); got != time.Second {
		t.Errorf("expected fallback for unparseable duration, got %s", got)
	}
	if got := env.list("LIST"); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected list %v", got)
	}

	pairs := env.pairs("PAIRS")
	if len(pairs) != 2 {
		t.Fatalf("unexpected pairs %v", pairs)
	}
	if pairs["ayla rose"] != "acct_1" {
		t.Errorf("expected lowercased pair name, got %v", pairs)
	}
	if pairs["ben klee"] != "acct_2" {
		t.Errorf("expected trimmed pair name, got %v", pairs)
	}
}

func TestParseEnvFileSkipsCommentsAndExports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env.test")
	content := "# comment\n\nexport API_SERVER_PORT=7171\nAPI_RESERVATION_CURRENCY='EUR'\nnot a pair\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	values, err := parseEnvFile(path)
	if err != nil {
		t.Fatalf("parseEnvFile returned error: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("unexpected values %v", values)
	}
	if values["API_SERVER_PORT"] != "7171" {
		t.Errorf("expected export prefix stripped, got %v", values)
	}
	if values["API_RESERVATION_CURRENCY"] != "EUR" {
		t.Errorf("expected quotes stripped, got %v", values)
	}

	if missing, err := parseEnvFile(filepath.Join(dir, "nope")); err != nil || missing != nil {
		t.Fatalf("expected nil map for absent file, got %v err %v", missing, err)
	}
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := baseEnv()
	env["API_WEBHOOK_SIGNING_SECRET"] = "sm://webhook/secret"

	secrets := map[string]string{
		"secret://webhook/secret": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Webhooks.SigningSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Webhooks.SigningSecret)
	}
}

// Package config loads runtime configuration from the process environment,
// an optional .env file, and Secret Manager references.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultShopifyAPIVersion     = "2024-04"
	defaultShopifyMaxAttempts    = 4
	defaultCommissionPercent     = 25.0
	defaultReserveCurrency       = "USD"
	defaultSyncLimit             = 50
	defaultEditionTopic          = "edition-assignments"
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultOIDCJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer        = "https://accounts.google.com"
	defaultSecurityIAPIssuer     = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Shopify     ShopifyConfig
	Reservation ReservationConfig
	Stripe      StripeConfig
	Jobs        JobsConfig
	Storage     StorageConfig
	Sync        SyncConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// ShopifyConfig carries the external order store connection settings.
type ShopifyConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	MaxAttempts int
}

// ReservationConfig controls the first-edition reservation flow.
type ReservationConfig struct {
	HouseCollectorEmail string
	CommissionPercent   float64
	DefaultCurrency     string
}

// StripeConfig collects payout provider settings. VendorAccounts maps vendor
// names to connected account ids for reservation payouts.
type StripeConfig struct {
	APIKey         string
	VendorAccounts map[string]string
}

// JobsConfig names the Pub/Sub resources used for asynchronous work.
type JobsConfig struct {
	ProjectID    string
	EditionTopic string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	SnapshotBucket string
}

// SyncConfig bounds the reconciliation batches.
type SyncConfig struct {
	DefaultLimit int
}

// WebhookConfig contains webhook security parameters.
type WebhookConfig struct {
	SigningSecret string
	AllowedHosts  []string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface. Secret names are redacted because the
// message ends up in logs and crash output.
func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns the digest identifiers of the unresolved secrets.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Shopify.AccessToken" or "Security.HMAC.Secrets[orders]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// settings is the flattened key/value view the readers operate on. Precedence
// is resolved once, at merge time: .env file, then process environment, then
// the explicit map.
type settings map[string]string

func newSettings(options loaderOptions) (settings, error) {
	values := make(settings)

	fromFile, err := parseEnvFile(options.envFile)
	if err != nil {
		return nil, err
	}
	for key, value := range fromFile {
		values[key] = value
	}

	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}

	for key, value := range options.envMap {
		values[key] = value
	}

	return values, nil
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	values, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (s settings) str(key, fallback string) string {
	if value, ok := s[key]; ok && value != "" {
		return value
	}
	return fallback
}

func (s settings) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s[key]; ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s settings) integer(key string, fallback int) int {
	if value, ok := s[key]; ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s settings) float(key string, fallback float64) float64 {
	if value, ok := s[key]; ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// list parses a comma separated value, dropping empty entries.
func (s settings) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s[key], ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pairs parses "name=value,name=value" entries. Names are lowercased so
// lookups are case insensitive.
func (s settings) pairs(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range strings.Split(s[key], ",") {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	env, err := newSettings(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Shopify: ShopifyConfig{
			ShopDomain:  env.str("API_SHOPIFY_SHOP_DOMAIN", ""),
			AccessToken: env.str("API_SHOPIFY_ACCESS_TOKEN", ""),
			APIVersion:  env.str("API_SHOPIFY_API_VERSION", defaultShopifyAPIVersion),
			MaxAttempts: env.integer("API_SHOPIFY_MAX_ATTEMPTS", defaultShopifyMaxAttempts),
		},
		Reservation: ReservationConfig{
			HouseCollectorEmail: env.str("API_RESERVATION_HOUSE_EMAIL", ""),
			CommissionPercent:   env.float("API_RESERVATION_COMMISSION_PERCENT", defaultCommissionPercent),
			DefaultCurrency:     env.str("API_RESERVATION_CURRENCY", defaultReserveCurrency),
		},
		Stripe: StripeConfig{
			APIKey:         env.str("API_STRIPE_API_KEY", ""),
			VendorAccounts: env.pairs("API_STRIPE_VENDOR_ACCOUNTS"),
		},
		Jobs: JobsConfig{
			ProjectID:    env.str("API_JOBS_PROJECT_ID", ""),
			EditionTopic: env.str("API_JOBS_EDITION_TOPIC", defaultEditionTopic),
		},
		Storage: StorageConfig{
			SnapshotBucket: env.str("API_STORAGE_SNAPSHOT_BUCKET", ""),
		},
		Sync: SyncConfig{
			DefaultLimit: env.integer("API_SYNC_DEFAULT_LIMIT", defaultSyncLimit),
		},
		Webhooks: WebhookConfig{
			SigningSecret: env.str("API_WEBHOOK_SIGNING_SECRET", ""),
			AllowedHosts:  env.list("API_WEBHOOK_ALLOWED_HOSTS"),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	applyDerivedDefaults(&cfg)

	resolution := secretResolution{resolver: options.secret, resolved: make(map[string]string)}
	if err := resolution.run(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := resolution.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	// Firestore and jobs projects default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Jobs.ProjectID == "" {
		cfg.Jobs.ProjectID = cfg.Firestore.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}
}

// secretResolution replaces secret:// references in the loaded config with
// their resolved values and records every resolution for the required-secrets
// check.
type secretResolution struct {
	resolver SecretResolver
	resolved map[string]string
}

func (s *secretResolution) run(ctx context.Context, cfg *Config) error {
	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		if err := s.field(ctx, fmt.Sprintf("Security.HMAC.Secrets[%s]", key), &value); err != nil {
			return err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	fields := map[string]*string{
		"Shopify.AccessToken":    &cfg.Shopify.AccessToken,
		"Stripe.APIKey":          &cfg.Stripe.APIKey,
		"Webhooks.SigningSecret": &cfg.Webhooks.SigningSecret,
	}
	for name, field := range fields {
		if err := s.field(ctx, name, field); err != nil {
			return err
		}
	}
	return nil
}

func (s *secretResolution) field(ctx context.Context, name string, field *string) error {
	value := *field
	if ref, ok := secretReference(value); ok {
		if s.resolver == nil {
			return &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}
		resolved, err := s.resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		value = resolved
	}
	*field = value
	s.resolved[name] = strings.TrimSpace(value)
	return nil
}

func (s *secretResolution) missing(required []string) *MissingSecretsError {
	var missing []missingSecret
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		if s.resolved[trimmed] != "" {
			continue
		}
		missing = append(missing, missingSecret{name: trimmed, redacted: redactSecretName(trimmed)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

// secretReference reports whether value points at Secret Manager, returning
// the canonical secret:// form. The sm:// prefix is accepted as an alias.
func secretReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest, true
	}
	if strings.HasPrefix(trimmed, "secret://") {
		return trimmed, true
	}
	return "", false
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func validateConfig(cfg Config) error {
	var missing []string
	check := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	check(cfg.Shopify.ShopDomain != "", "Shopify.ShopDomain")
	check(cfg.Reservation.HouseCollectorEmail != "", "Reservation.HouseCollectorEmail")
	check(cfg.Reservation.CommissionPercent > 0 && cfg.Reservation.CommissionPercent <= 100, "Reservation.CommissionPercent")
	check(cfg.Sync.DefaultLimit > 0, "Sync.DefaultLimit")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

// parseEnvFile reads KEY=value lines from path. A missing file is not an
// error, local overrides are optional.
func parseEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local fallback file for
// development environments without Secret Manager access.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	meterName           = "github.com/chonibe/coa-service-sub010/internal/platform/secrets"
)

// newSecretManagerClient is swapped out in tests that exercise the
// credentials-missing path.
var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references, caching values per (reference, version)
// and notifying subscribers when a secret is invalidated after rotation.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env        string
	projectID  string
	projectMap map[string]string
	pins       map[string]string

	fallback fallbackFile

	mu       sync.RWMutex
	cache    map[string]cachedValue
	watchers map[string][]chan struct{}

	metrics fetcherMetrics
}

type cachedValue struct {
	value     string
	canonical string
	fetchedAt time.Time
	source    string
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	projectID    string
	projectMap   map[string]string
	pins         map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used when resolving
// per-environment project IDs and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project ID used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = cloneMap(m) }
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithVersionPins sets explicit version overrides keyed by canonical reference,
// optionally prefixed with "<env>:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.pins = cloneMap(pins) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher degrades to fallback-file resolution so local runs work without
// cloud credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectMap:   map[string]string{},
		pins:         map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:     cfg.logger,
		env:        cfg.env,
		projectID:  cfg.projectID,
		projectMap: cloneMap(cfg.projectMap),
		pins:       cloneMap(cfg.pins),
		fallback:   fallbackFile{path: cfg.fallbackPath},
		cache:      make(map[string]cachedValue),
		watchers:   make(map[string][]chan struct{}),
		metrics:    newFetcherMetrics(meter, cfg.logger),
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}

	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager unavailable, fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the underlying client and closes all subscriber channels.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, subs := range f.watchers {
		delete(f.watchers, canonical)
		for _, ch := range subs {
			close(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for a secret:// reference. Cached values
// are served without a remote call. Authorization and availability failures
// fall back to the local file; a genuinely missing secret does not.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()

	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return "", err
	}
	version := f.pinnedVersion(ref)
	key := cacheKey(ref.canonical, version)

	if value, ok := f.cached(key); ok {
		f.metrics.cacheHit(ctx, ref.canonical)
		f.metrics.latency(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	if project := f.project(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.secret, version)
		if err == nil {
			f.store(key, value, ref.canonical, "remote")
			f.metrics.latency(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !shouldFallback(err) {
			f.metrics.latency(ctx, time.Since(start), "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: falling back to local file",
			zap.String("ref", ref.canonical), zap.Error(err))
	}

	value, ok := f.fallback.lookup(ref.canonical, version)
	if !ok {
		err := fmt.Errorf("secrets: no fallback value for %s", ref.canonical)
		f.metrics.latency(ctx, time.Since(start), "error", err)
		return "", err
	}
	f.store(key, value, ref.canonical, "fallback")
	f.metrics.latency(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops all cached versions of the reference and notifies
// subscribers. Rotation hooks call this so the next Resolve refetches.
func (f *Fetcher) Invalidate(rawRef string) {
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for key, entry := range f.cache {
		if entry.canonical == ref.canonical {
			delete(f.cache, key)
		}
	}
	// Notifications are buffered and non-blocking. Holding the lock here keeps
	// the send from racing a concurrent Close of the same channel.
	for _, ch := range f.watchers[ref.canonical] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers for invalidation notifications on the reference. The
// returned cancel function releases the subscription.
func (f *Fetcher) Subscribe(rawRef string) (<-chan struct{}, func()) {
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers[ref.canonical] = append(f.watchers[ref.canonical], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.watchers[ref.canonical]
		for i, sub := range subs {
			if sub == ch {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(f.watchers, ref.canonical)
			return
		}
		f.watchers[ref.canonical] = subs
	}
	return ch, cancel
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value, canonical, source string) {
	f.mu.Lock()
	f.cache[key] = cachedValue{
		value:     value,
		canonical: canonical,
		fetchedAt: time.Now(),
		source:    source,
	}
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, projectID, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.projectID)
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return defaultVersion
}

// fallbackFile is a lazily loaded KEY=value file. Keys may be plain names or
// secret:// references, optionally carrying an explicit version query.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (ff *fallbackFile) lookup(canonical, version string) (string, bool) {
	ff.once.Do(ff.load)
	if ff.err != nil {
		return "", false
	}
	if value, ok := ff.values[cacheKey(canonical, version)]; ok {
		return value, true
	}
	value, ok := ff.values[canonical]
	return value, ok
}

func (ff *fallbackFile) load() {
	ff.values = map[string]string{}

	path := strings.TrimSpace(ff.path)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			ff.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		ref, err := parseSecretRef(name)
		if err != nil {
			ff.values[name] = value
			continue
		}
		version := ref.version
		if version == "" {
			version = defaultVersion
		}
		ff.values[ref.canonical] = value
		ff.values[cacheKey(ref.canonical, version)] = value
	}
	if err := scanner.Err(); err != nil {
		ff.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

type secretRef struct {
	canonical string
	secret    string
	version   string
	project   string
}

// parseSecretRef accepts secret://<name>[?version=N][&project=ID] references.
// The legacy sm:// scheme is treated as an alias.
func parseSecretRef(raw string) (secretRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}

	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		canonical: canonical.String(),
		secret:    name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

// shouldFallback reports whether the remote error indicates an access or
// availability problem rather than a missing secret. NotFound never falls
// back: masking a deleted production secret with a stale local value would
// hide the misconfiguration.
func shouldFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

type fetcherMetrics struct {
	latencyHist metric.Float64Histogram
	hits        metric.Int64Counter
}

func newFetcherMetrics(meter metric.Meter, logger *zap.Logger) fetcherMetrics {
	var m fetcherMetrics
	var err error

	m.latencyHist, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		logger.Warn("secrets: latency metric unavailable", zap.Error(err))
		m.latencyHist = nil
	}

	m.hits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
		m.hits = nil
	}
	return m
}

func (m fetcherMetrics) latency(ctx context.Context, d time.Duration, source string, err error) {
	if m.latencyHist == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	m.latencyHist.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m fetcherMetrics) cacheHit(ctx context.Context, canonical string) {
	if m.hits == nil {
		return
	}
	// The reference itself may name a sensitive integration, so only a digest
	// of it is attached to the metric.
	sum := sha256.Sum256([]byte(canonical))
	m.hits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", hex.EncodeToString(sum[:8])),
	))
}

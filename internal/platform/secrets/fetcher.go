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
	metricNamespace     = "github.com/orderfield/api/internal/platform/secrets"
	latestVersion       = "latest"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references (the Stripe keys and carrier HMAC
// secrets this service runs on) against Google Secret Manager. Resolved
// values are cached per version, and a local KEY=value file stands in for
// Secret Manager during development or outages.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projectMap     map[string]string
	versionPins    map[string]string

	fallbackPath   string
	fallbackOnce   sync.Once
	fallbackValues map[string]string
	fallbackErr    error

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	watchers watcherSet

	metrics fetcherMetrics
}

// cachedSecret is one resolved value keyed by canonical ref + version.
type cachedSecret struct {
	value    string
	ref      string
	version  string
	storedAt time.Time
	origin   string
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
}

// Option adjusts Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment names the deployment environment, which selects the
// project mapping and environment-scoped version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when no environment mapping or
// per-reference override applies.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = copyStringMap(m)
	}
}

// WithFallbackFile points at the local secrets file read when Secret
// Manager is unreachable.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter overrides the OpenTelemetry meter used for fetch metrics.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a ready client, bypassing the factory.
// Tests use this to substitute a fake.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions passes Cloud client options (credentials files and the
// like) to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithVersionPins pins references to fixed versions. Keys are canonical
// refs, optionally prefixed "env:" to scope the pin to one environment.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = copyStringMap(pins)
	}
}

// NewFetcher builds a Fetcher. Failure to construct the Secret Manager
// client is downgraded to fallback-only mode so local development works
// without cloud credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectMap:   map[string]string{},
		versionPins:  map[string]string{},
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
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProj,
		projectMap:     copyStringMap(cfg.projectMap),
		versionPins:    copyStringMap(cfg.versionPins),
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cachedSecret),
		watchers:       make(watcherSet),
		metrics:        newFetcherMetrics(meter, cfg.logger),
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}

	return f, nil
}

// Close wakes every subscriber and releases the client if this Fetcher
// created it.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	f.watchers.closeAll()
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference. Lookup order is
// cache, then Secret Manager, then the fallback file. Only access and
// availability failures reach the fallback; a NotFound is returned as an
// error because a missing secret is a configuration mistake, not an
// outage the file should paper over.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseSecretRef(ref)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(parsed)
	key := versionedKey(parsed.Canonical, version)

	if value, ok := f.cachedValue(key); ok {
		f.metrics.observeCacheHit(ctx, parsed.Canonical)
		f.metrics.observeResolve(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	if projectID := f.projectID(parsed); projectID != "" && f.client != nil {
		value, fetchErr := f.fetchRemote(ctx, projectID, parsed.Secret, version)
		if fetchErr == nil {
			f.storeCache(key, value, parsed.Canonical, version, "remote")
			f.metrics.observeResolve(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !fallbackEligible(fetchErr) {
			f.metrics.observeResolve(ctx, time.Since(start), "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, fetchErr)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", parsed.Canonical), zap.Error(fetchErr))
	}

	value, ok := f.fallbackValue(parsed, version)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", parsed.Canonical)
		f.metrics.observeResolve(ctx, time.Since(start), "error", err)
		return "", err
	}

	f.storeCache(key, value, parsed.Canonical, version, "fallback")
	f.metrics.observeResolve(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of the reference and pings its
// subscribers.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseSecretRef(ref)
	if err != nil {
		return
	}

	f.mu.Lock()
	for key, entry := range f.cache {
		if entry.ref == parsed.Canonical {
			delete(f.cache, key)
		}
	}
	watchers := f.watchers[parsed.Canonical]
	f.mu.Unlock()

	for _, ch := range watchers {
		pingWatcher(ch)
	}
}

// Subscribe returns a channel that fires when the reference is
// invalidated, so long-lived consumers pick up rotations without a
// restart. The second return value unregisters the watcher.
func (f *Fetcher) Subscribe(ref string) (<-chan struct{}, func()) {
	parsed, err := parseSecretRef(ref)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers.add(parsed.Canonical, ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.watchers.remove(parsed.Canonical, ch)
	}
	return ch, cancel
}

// Notify reacts to an external rotation event for the reference.
func (f *Fetcher) Notify(ref string) {
	f.Invalidate(ref)
}

func (f *Fetcher) cachedValue(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	return entry.value, ok
}

func (f *Fetcher) storeCache(key, value, canonical, version, origin string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{
		value:    value,
		ref:      canonical,
		version:  version,
		storedAt: time.Now(),
		origin:   origin,
	}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resourceName)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectID(ref secretRef) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProject)
}

// pinnedVersion order: explicit version on the ref, environment-scoped
// pin, global pin, latest.
func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := strings.TrimSpace(f.versionPins[envScopedKey(f.env, ref.Canonical)]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.versionPins[ref.Canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) fallbackValue(ref secretRef, version string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallbackValues, f.fallbackErr = parseFallbackFile(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}

	if val, ok := f.fallbackValues[versionedKey(ref.Canonical, version)]; ok {
		return val, true
	}
	val, ok := f.fallbackValues[ref.Canonical]
	return val, ok
}

// parseFallbackFile reads a KEY=value secrets file. Blank lines and #
// comments are skipped, keys may use the legacy sm:// scheme, and a
// missing file yields an empty set.
func parseFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)

	path = strings.TrimSpace(path)
	if path == "" {
		return values, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return values, fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
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
		name = normaliseFallbackKey(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}

		parsed, err := parseSecretRef(name)
		if err != nil {
			values[name] = value
			continue
		}
		version := parsed.Version
		if version == "" {
			version = latestVersion
		}
		values[parsed.Canonical] = value
		values[versionedKey(parsed.Canonical, version)] = value
	}
	if err := scanner.Err(); err != nil {
		return values, fmt.Errorf("secrets: failed reading %s: %w", absPath, err)
	}
	return values, nil
}

// watcherSet tracks invalidation channels per canonical reference. Calls
// must hold the Fetcher mutex.
type watcherSet map[string][]chan struct{}

func (w watcherSet) add(ref string, ch chan struct{}) {
	w[ref] = append(w[ref], ch)
}

func (w watcherSet) remove(ref string, ch chan struct{}) {
	watchers := w[ref]
	for i, watcher := range watchers {
		if watcher == ch {
			watchers = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	if len(watchers) == 0 {
		delete(w, ref)
	} else {
		w[ref] = watchers
	}
}

func (w watcherSet) closeAll() {
	for ref, watchers := range w {
		delete(w, ref)
		for _, ch := range watchers {
			func() {
				defer func() { _ = recover() }()
				close(ch)
			}()
		}
	}
}

// pingWatcher delivers a non-blocking notification, tolerating channels
// closed by a concurrent Close.
func pingWatcher(ch chan struct{}) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// fetcherMetrics wraps the optional OTel instruments. Registration errors
// disable the affected instrument rather than failing construction.
type fetcherMetrics struct {
	latency    metric.Float64Histogram
	latencyOK  bool
	cacheHits  metric.Int64Counter
	cacheHitOK bool
}

func newFetcherMetrics(meter metric.Meter, logger *zap.Logger) fetcherMetrics {
	var m fetcherMetrics

	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	} else {
		m.latency, m.latencyOK = latency, true
	}

	cacheHits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	} else {
		m.cacheHits, m.cacheHitOK = cacheHits, true
	}

	return m
}

func (m fetcherMetrics) observeResolve(ctx context.Context, d time.Duration, source string, err error) {
	if !m.latencyOK {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m fetcherMetrics) observeCacheHit(ctx context.Context, canonical string) {
	if !m.cacheHitOK {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskRef(canonical))))
}

// secretRef is a parsed secret:// URI. The optional query parameters
// "version" and "project" override the fetcher defaults.
type secretRef struct {
	Raw             string
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func parseSecretRef(ref string) (secretRef, error) {
	if strings.TrimSpace(ref) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if secret == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	query := u.Query()

	return secretRef{
		Raw:             ref,
		Canonical:       canonical.String(),
		Secret:          secret,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func versionedKey(canonical, version string) string {
	return canonical + "#" + version
}

func envScopedKey(env, canonical string) string {
	if strings.TrimSpace(env) == "" {
		return canonical
	}
	return env + ":" + canonical
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

// maskRef keeps secret names out of metric labels.
func maskRef(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

// fallbackEligible reports whether the remote failure looks like an access
// or availability problem rather than a definitive answer.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// normaliseFallbackKey trims the key and rewrites the legacy sm:// scheme.
func normaliseFallbackKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

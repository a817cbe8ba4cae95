package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSRefreshTimeout  = 5 * time.Second
)

// keySet is one fetched JWKS document indexed by kid, together with the
// lifetime derived from its cache headers. The whole value is swapped
// on refresh so readers never see a partially updated document.
type keySet struct {
	keys     map[string]jose.JSONWebKey
	expiry   time.Time
	prefetch time.Time
}

func (s keySet) lookup(kid string) (any, bool) {
	jwk, ok := s.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (s keySet) expired(now time.Time) bool {
	if len(s.keys) == 0 {
		return true
	}
	if s.expiry.IsZero() {
		return false
	}
	return !now.Before(s.expiry)
}

// wantsPrefetch reports whether the set has crossed its half-life and
// should be refreshed in the background before it expires outright.
func (s keySet) wantsPrefetch(now time.Time) bool {
	if s.prefetch.IsZero() || s.expiry.IsZero() {
		return false
	}
	if now.After(s.expiry) {
		return false
	}
	return !now.Before(s.prefetch)
}

// JWKSCache serves Google's signing keys from memory, fetching the JWKS
// document on demand and keeping it until its cache headers expire. A
// half-life prefetch keeps hot paths from paying the refresh latency.
type JWKSCache struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	refreshInterval time.Duration
	refreshTimeout  time.Duration

	background bool

	mu  sync.RWMutex
	set keySet

	refreshMu       sync.Mutex
	asyncRefreshing atomic.Bool
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:             url,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          log.Default(),
		now:             time.Now,
		refreshInterval: defaultJWKSRefreshInterval,
		refreshTimeout:  defaultJWKSRefreshTimeout,
		background:      true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}

	return cache
}

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets a custom logger for JWKS operations.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval overrides the fallback refresh interval when cache headers are absent.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithJWKSRefreshTimeout sets the timeout applied to JWKS fetches.
func WithJWKSRefreshTimeout(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithJWKSClock injects a custom time source, primarily for tests.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh disables prefetch scheduling.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) {
		c.background = false
	}
}

// Keyfunc returns a jwt.Keyfunc backed by the cache. Only RS256 tokens
// are accepted.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	if ctx == nil {
		ctx = context.Background()
	}

	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}

		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}

		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for the provided kid. An unknown kid
// triggers one forced refresh because Google rotates keys without
// notice.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	set := c.snapshot()
	if set.expired(now) {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		set = c.snapshot()
	}

	if key, ok := set.lookup(kid); ok {
		if c.background && set.wantsPrefetch(now) {
			c.refreshAsync()
		}
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.snapshot().lookup(kid); ok {
		return key, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) snapshot() keySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}

func (c *JWKSCache) refreshAsync() {
	if !c.asyncRefreshing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.asyncRefreshing.Store(false)
		if err := c.refresh(context.Background()); err != nil && c.logger != nil {
			c.logger.Printf("auth: background jwks refresh failed: %v", err)
		}
	}()
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	set, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.set = set
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("auth: jwks refreshed, %d keys cached until %s", len(set.keys), set.expiry.Format(time.RFC3339))
	}
	return nil
}

// fetch downloads and indexes the JWKS document.
func (c *JWKSCache) fetch(ctx context.Context) (keySet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return keySet{}, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return keySet{}, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return keySet{}, fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return keySet{}, fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return keySet{}, fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := c.documentValidity(resp)
	now := c.now()
	return keySet{
		keys:     keys,
		expiry:   now.Add(validity),
		prefetch: now.Add(validity / 2),
	}, nil
}

// documentValidity derives how long the fetched key set may be served
// from cache. An Expires header wins over Cache-Control max-age; absent
// both, the configured refresh interval applies.
func (c *JWKSCache) documentValidity(resp *http.Response) time.Duration {
	if expires := resp.Header.Get("Expires"); expires != "" {
		if ts, err := http.ParseTime(expires); err == nil {
			if delta := ts.Sub(c.now()); delta > 0 {
				return delta
			}
		}
	}
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		return maxAge
	}
	return c.refreshInterval
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		if !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator validates Google-signed OIDC/IAP tokens presented by
// first-party callers on the internal surface.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		logger: log.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock, primarily for tests.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceIdentity captures details about the authenticated service principal.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

type oidcRejection struct {
	reason  string
	status  int
	code    string
	message string
}

func oidcUnauthorized(reason, message string) *oidcRejection {
	return &oidcRejection{reason: reason, status: http.StatusUnauthorized, code: "invalid_token", message: message}
}

func oidcUnavailable(reason, message string) *oidcRejection {
	return &oidcRejection{reason: reason, status: http.StatusServiceUnavailable, code: "verification_unavailable", message: message}
}

// RequireOIDC enforces a valid Google-signed OIDC/IAP token on the request.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := issuerAllowlist(issuers)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, rejection := v.verifyToken(ctx, r, expectedAudience, allowedIssuers)
			if rejection != nil {
				v.record(ctx, false, rejection.reason, start)
				respondAuthError(w, rejection.status, rejection.code, rejection.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func issuerAllowlist(issuers []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}
	return allowed
}

func (v *OIDCValidator) verifyToken(ctx context.Context, r *http.Request, expectedAudience string, allowedIssuers map[string]struct{}) (*ServiceIdentity, *oidcRejection) {
	if expectedAudience == "" {
		return nil, oidcUnavailable("audience_not_configured", "oidc audience not configured")
	}

	tokenStr, source := tokenFromRequest(r)
	if tokenStr == "" {
		return nil, &oidcRejection{reason: "token_missing", status: http.StatusUnauthorized, code: "unauthenticated", message: "oidc token missing"}
	}

	if v == nil || v.cache == nil {
		return nil, oidcUnavailable("cache_unavailable", "oidc verification unavailable")
	}

	claims, parsed, rejection := v.parseToken(ctx, tokenStr)
	if rejection != nil {
		return nil, rejection
	}

	issuer, _ := claims["iss"].(string)
	if len(allowedIssuers) > 0 {
		if _, ok := allowedIssuers[issuer]; !ok {
			v.logf("auth: oidc issuer mismatch, got %q", issuer)
			return nil, oidcUnauthorized("issuer_mismatch", "oidc issuer mismatch")
		}
	}

	if !slices.Contains(claimAudiences(claims), expectedAudience) {
		v.logf("auth: oidc audience mismatch, expected %q (hdr=%s)", expectedAudience, source)
		return nil, oidcUnauthorized("audience_mismatch", "oidc audience mismatch")
	}

	email, _ := claims["email"].(string)
	subject, _ := claims["sub"].(string)

	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: expectedAudience,
		Token:    parsed,
		Claims:   maps.Clone(claims),
	}, nil
}

// parseToken verifies the signature and the registered time claims. A
// JWKS outage is surfaced as 503 so callers can retry; everything else
// is a plain 401.
func (v *OIDCValidator) parseToken(ctx context.Context, tokenStr string) (jwt.MapClaims, *jwt.Token, *oidcRejection) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx))
	if err == nil {
		return claims, parsed, nil
	}

	if errors.Is(err, ErrJWKSFetchFailed) {
		v.logf("auth: oidc verification failed (jwks_unavailable): %v", err)
		return nil, nil, oidcUnavailable("jwks_unavailable", "oidc token verification failed")
	}
	v.logf("auth: oidc verification failed (token_invalid): %v", err)
	return nil, nil, oidcUnauthorized("token_invalid", "oidc token verification failed")
}

func (v *OIDCValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

// tokenFromRequest prefers the Authorization bearer token, falling back
// to the header IAP injects in front of internal services.
func tokenFromRequest(r *http.Request) (token string, source string) {
	if r == nil {
		return "", ""
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		if bearer, ok := extractBearerToken(authz); ok {
			return bearer, "authorization"
		}
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

// claimAudiences normalises the aud claim, which may arrive as a string
// or an array depending on the issuer.
func claimAudiences(claims jwt.MapClaims) []string {
	switch aud := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(aud)}
	case []string:
		return trimNonEmpty(aud)
	case []any:
		values := make([]string, 0, len(aud))
		for _, item := range aud {
			if str, ok := item.(string); ok {
				values = append(values, str)
			}
		}
		return trimNonEmpty(values)
	default:
		return nil
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

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
	defaultSignatureHeader = "X-Carrier-Signature"
	defaultTimestampHeader = "X-Carrier-Timestamp"
	defaultNonceHeader     = "X-Carrier-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secrets carrier integrations sign with.
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

// NonceStore tracks signature nonces so a captured callback cannot be replayed.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the scope. The boolean indicates
	// whether the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry for tests and
// single-instance deployments.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until the provided expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweep(now)

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// sweep drops expired entries. Caller must hold the lock.
func (s *InMemoryNonceStore) sweep(now time.Time) {
	for key, expiry := range s.nonces {
		if expiry.Before(now) {
			delete(s.nonces, key)
		}
	}
}

// HMACValidator verifies signed carrier webhook callbacks and other
// trusted integration requests.
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
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names carriers deliver signatures in.
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

// WithHMACNonceTTL customises the nonce retention duration.
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

// hmacRejection carries everything a failed verification needs to report.
type hmacRejection struct {
	reason  string
	status  int
	code    string
	message string
}

// hmacDenied is a 401 whose error code matches the metric reason.
func hmacDenied(reason, message string) *hmacRejection {
	return &hmacRejection{reason: reason, status: http.StatusUnauthorized, code: reason, message: message}
}

func hmacUnavailable(reason, message string) *hmacRejection {
	return &hmacRejection{reason: reason, status: http.StatusServiceUnavailable, code: "verification_unavailable", message: message}
}

// signatureEnvelope holds the raw signature material lifted off the
// request headers before any of it has been verified.
type signatureEnvelope struct {
	rawSignature string
	signature    []byte
	rawTimestamp string
	timestamp    time.Time
	nonce        string
}

// RequireHMAC enforces a valid HMAC signature for the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, rejection := v.verifyRequest(ctx, r, scopedSecret)
			if rejection != nil {
				v.record(ctx, false, rejection.reason, start)
				respondAuthError(w, rejection.status, rejection.code, rejection.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// RequireHMACResolver selects the signing secret per request, typically
// from the carrier path segment.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}

			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				respondAuthError(w, http.StatusUnauthorized, "unknown_provider", "carrier not recognised")
				return
			}

			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

// verifyRequest runs the full signature check. A nil rejection means the
// request is authentic and the returned metadata can be trusted.
func (v *HMACValidator) verifyRequest(ctx context.Context, r *http.Request, secretName string) (*HMACMetadata, *hmacRejection) {
	if secretName == "" {
		return nil, hmacUnavailable("secret_not_configured", "hmac secret not configured")
	}

	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		v.logf("auth: hmac secret lookup failed: %v", err)
		return nil, hmacUnavailable("secret_unavailable", "hmac secret unavailable")
	}

	envelope, rejection := v.extractEnvelope(r)
	if rejection != nil {
		return nil, rejection
	}

	body, err := bufferRequestBody(r)
	if err != nil {
		return nil, &hmacRejection{reason: "body_unreadable", status: http.StatusBadRequest, code: "invalid_body", message: "unable to read body for signature verification"}
	}

	expected := computeHMAC(secret, buildCanonicalString(r, body, envelope.rawTimestamp, envelope.nonce))
	if !hmac.Equal(envelope.signature, expected) {
		return nil, hmacDenied("signature_mismatch", "signature verification failed")
	}

	if rejection := v.burnNonce(ctx, secretName, envelope); rejection != nil {
		return nil, rejection
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    envelope.timestamp,
		Nonce:        envelope.nonce,
		Signature:    envelope.signature,
		RawSignature: envelope.rawSignature,
	}, nil
}

// extractEnvelope pulls the signature headers off the request and
// validates their shape, including the timestamp skew window.
func (v *HMACValidator) extractEnvelope(r *http.Request) (*signatureEnvelope, *hmacRejection) {
	envelope := &signatureEnvelope{
		rawSignature: strings.TrimSpace(r.Header.Get(v.signatureHeader)),
		rawTimestamp: strings.TrimSpace(r.Header.Get(v.timestampHeader)),
		nonce:        strings.TrimSpace(r.Header.Get(v.nonceHeader)),
	}

	if envelope.rawSignature == "" {
		return nil, hmacDenied("signature_missing", "signature header missing")
	}
	if envelope.rawTimestamp == "" {
		return nil, hmacDenied("timestamp_missing", "signature timestamp missing")
	}
	if envelope.nonce == "" {
		return nil, hmacDenied("nonce_missing", "signature nonce missing")
	}

	timestamp, err := parseSignatureTimestamp(envelope.rawTimestamp)
	if err != nil {
		return nil, hmacDenied("timestamp_invalid", "signature timestamp invalid")
	}
	envelope.timestamp = timestamp

	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, hmacDenied("timestamp_skew", "signature timestamp outside allowed window")
	}

	signature, err := decodeSignature(envelope.rawSignature)
	if err != nil {
		return nil, hmacDenied("signature_invalid", "signature encoding invalid")
	}
	envelope.signature = signature

	return envelope, nil
}

// burnNonce records the nonce so a replay of this exact callback is
// rejected. The nonce lives at least nonceTTL past the signed timestamp
// so a delayed first delivery still blocks later replays of itself.
func (v *HMACValidator) burnNonce(ctx context.Context, scope string, envelope *signatureEnvelope) *hmacRejection {
	if v.nonces == nil {
		return hmacUnavailable("nonce_store_unavailable", "nonce store unavailable")
	}

	expiry := envelope.timestamp.Add(v.nonceTTL)
	if now := v.now(); expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}

	stored, err := v.nonces.UseNonce(ctx, scope, envelope.nonce, expiry)
	if err != nil {
		v.logf("auth: nonce store error: %v", err)
		return hmacUnavailable("nonce_store_error", "nonce storage error")
	}
	if !stored {
		return hmacDenied("nonce_replay", "duplicate signature nonce")
	}
	return nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
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

// bufferRequestBody drains the body for hashing and puts a replayable
// copy back so the handler still sees it.
func bufferRequestBody(r *http.Request) ([]byte, error) {
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

// decodeSignature accepts base64 or hex, in that order.
func decodeSignature(value string) ([]byte, error) {
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

// parseSignatureTimestamp accepts RFC3339 (with or without fractional
// seconds) and unix epoch seconds, which covers every carrier we sign with.
func parseSignatureTimestamp(value string) (time.Time, error) {
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

// buildCanonicalString derives the signed message: method, escaped path,
// timestamp, nonce and the hex SHA-256 of the body, newline separated.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")
	return []byte(canonical)
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader  = "X-Carrier-Signature"
	defaultHMACTimestampHeader  = "X-Carrier-Timestamp"
	defaultHMACNonceHeader      = "X-Carrier-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultEventsTopic          = "fulfillment-events"
)

// Config is the full runtime configuration, grouped by subsystem. All keys
// read from the environment carry the API_ prefix.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the Firebase project used for end-user auth.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig identifies the Firestore database. ProjectID falls back
// to the Firebase project when left empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic fulfillment events are published to.
type PubSubConfig struct {
	ProjectID   string
	EventsTopic string
}

// PSPConfig carries the Stripe credentials. Both values accept secret://
// references resolved at load time.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// SecurityConfig bundles the server-to-server auth settings for internal
// callers (OIDC) and carrier webhooks (HMAC).
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig describes how Google-signed service tokens are verified.
// Audience may be given directly or selected per environment via Audiences.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig describes the signature scheme carrier webhooks must follow.
// Secrets maps a carrier key to its shared secret (or secret:// reference).
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig tunes the idempotency-key middleware and its record
// cleanup job.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver turns a secret:// reference into its plaintext value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to the SecretResolver interface.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field paths.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError wraps a failure to resolve one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
// Error output uses redacted identifiers so secret names stay out of logs.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the sorted redacted identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the sorted plain identifiers, for callers that may log them.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option adjusts how Load reads and resolves configuration.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile points the loader at a different .env file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap supplies explicit key/value overrides. They win over both the
// system environment and the .env file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment, leaving only the .env
// file and any explicit map. Used in tests.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver applied to secret:// (and legacy
// sm://) references found in configuration values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret identifiers the loaded config must carry
// non-empty values for. Identifiers follow the config field paths, e.g.
// "PSP.StripeAPIKey" or "Security.HMAC.Secrets[yamato]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets makes Load panic instead of returning the
// MissingSecretsError. Intended for process startup paths.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// envSource answers key lookups with the loader's precedence applied:
// explicit map first, then the process environment, then the .env file.
type envSource struct {
	overrides map[string]string
	useSystem bool
	dotEnv    map[string]string
}

func (e envSource) get(key string) (string, bool) {
	if value, ok := e.overrides[key]; ok {
		return value, true
	}
	if e.useSystem {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotEnv[key]
	return value, ok
}

func (e envSource) str(key, fallback string) string {
	if value, ok := e.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e envSource) duration(key string, fallback time.Duration) time.Duration {
	value, ok := e.get(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func (e envSource) integer(key string, fallback int) int {
	value, ok := e.get(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// list parses a comma-separated value into its trimmed non-empty parts.
func (e envSource) list(key string) []string {
	raw, ok := e.get(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pairs parses "name=value,name=value" into a map with lowercased names.
func (e envSource) pairs(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotEnv, err := parseEnvFile(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{
		overrides: options.envMap,
		useSystem: options.useSystemEnv,
		dotEnv:    dotEnv,
	}, nil
}

// EnvironmentValues flattens the loader's sources into one key/value map
// using Load's precedence. Callers use it to bootstrap dependencies (such
// as the secret fetcher) before the full config exists.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	env, err := newEnvSource(options)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range env.dotEnv {
		values[key] = value
	}
	if env.useSystem {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range env.overrides {
		values[key] = value
	}
	return values, nil
}

// Load builds the runtime configuration from defaults, the .env file, the
// process environment and any explicit overrides, resolves secret://
// references, and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	env, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server:      serverFromEnv(env),
		Firebase:    firebaseFromEnv(env),
		Firestore:   firestoreFromEnv(env),
		PubSub:      pubsubFromEnv(env),
		PSP:         pspFromEnv(env),
		Security:    securityFromEnv(env),
		Idempotency: idempotencyFromEnv(env),
	}
	applyDerivedDefaults(&cfg)

	resolved, err := resolveConfigSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := checkRequiredFields(cfg); err != nil {
		return Config{}, err
	}

	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func serverFromEnv(env envSource) ServerConfig {
	return ServerConfig{
		Port:         env.str("API_SERVER_PORT", defaultPort),
		ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
	}
}

func firebaseFromEnv(env envSource) FirebaseConfig {
	return FirebaseConfig{
		ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
		CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
	}
}

func firestoreFromEnv(env envSource) FirestoreConfig {
	return FirestoreConfig{
		ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
		EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
	}
}

func pubsubFromEnv(env envSource) PubSubConfig {
	return PubSubConfig{
		ProjectID:   env.str("API_PUBSUB_PROJECT_ID", ""),
		EventsTopic: env.str("API_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
	}
}

func pspFromEnv(env envSource) PSPConfig {
	return PSPConfig{
		StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
		StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
	}
}

func securityFromEnv(env envSource) SecurityConfig {
	return SecurityConfig{
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
	}
}

func idempotencyFromEnv(env envSource) IdempotencyConfig {
	return IdempotencyConfig{
		Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
		TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
		CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
	}
}

// applyDerivedDefaults fills fields whose default depends on other fields.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		envKey := strings.ToLower(cfg.Security.Environment)
		if audience, ok := cfg.Security.OIDC.Audiences[envKey]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}
}

// resolveConfigSecrets expands secret:// references in place and returns the
// resolved values keyed by config field path, for required-secret checks.
func resolveConfigSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)

	expand := func(name string, field *string) error {
		value, err := expandSecretRef(ctx, *field, resolver)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}

	if err := expand("PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey); err != nil {
		return nil, err
	}
	if err := expand("PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret); err != nil {
		return nil, err
	}

	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		if err := expand(fmt.Sprintf("Security.HMAC.Secrets[%s]", key), &value); err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	return resolved, nil
}

func expandSecretRef(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !hasSecretScheme(value) {
		return value, nil
	}
	ref := canonicalSecretRef(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func checkRequiredFields(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	var missing []missingSecret
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) != "" {
			continue
		}
		missing = append(missing, missingSecret{name: trimmed, redacted: redactSecretName(trimmed)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func hasSecretScheme(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// canonicalSecretRef rewrites the legacy sm:// scheme to secret://.
func canonicalSecretRef(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// parseEnvFile reads a dotenv-style file. A missing file is not an error.
// Supported syntax: KEY=value, optional "export " prefix, # comments, and
// single or double quotes around the value.
func parseEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "export "); ok {
			line = strings.TrimSpace(rest)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

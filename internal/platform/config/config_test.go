package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mustLoad loads a config from the given map only, ignoring the process
// environment and any .env file on disk.
func mustLoad(t *testing.T, env map[string]string, opts ...Option) Config {
	t.Helper()
	opts = append([]Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}, opts...)
	cfg, err := Load(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return cfg
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := mustLoad(t, map[string]string{
		"API_FIREBASE_PROJECT_ID": "of-dev",
	})

	checks := []struct {
		field string
		got   any
		want  any
	}{
		{"Server.Port", cfg.Server.Port, "8080"},
		{"Server.ReadTimeout", cfg.Server.ReadTimeout, 15 * time.Second},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID, "of-dev"},
		{"PubSub.ProjectID", cfg.PubSub.ProjectID, "of-dev"},
		{"PubSub.EventsTopic", cfg.PubSub.EventsTopic, defaultEventsTopic},
		{"Security.Environment", cfg.Security.Environment, "local"},
		{"Security.OIDC.JWKSURL", cfg.Security.OIDC.JWKSURL, defaultOIDCJWKSURL},
		{"Security.HMAC.SignatureHeader", cfg.Security.HMAC.SignatureHeader, defaultHMACSignatureHeader},
		{"Idempotency.Header", cfg.Idempotency.Header, defaultIdempotencyHeader},
		{"Idempotency.TTL", cfg.Idempotency.TTL, defaultIdempotencyTTL},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval, defaultIdempotencyInterval},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize, defaultIdempotencyBatchSize},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Errorf("%s: got %v, want %v", check.field, check.got, check.want)
		}
	}

	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected both default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_SERVER_WRITE_TIMEOUT":           "25s",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIREBASE_PROJECT_ID":            "of-prod",
		"API_FIRESTORE_PROJECT_ID":           "of-fire",
		"API_PUBSUB_PROJECT_ID":              "of-events",
		"API_PUBSUB_EVENTS_TOPIC":            "fulfillment-events-prod",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_OIDC_AUDIENCE":         "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_OIDC_JWKS_URL":         "https://example.com/jwks.json",
		"API_SECURITY_HMAC_SECRETS":          "carriers/yamato=secret://hmac/yamato,carriers/sagawa=sagawa-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE": "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"API_SECURITY_HMAC_NONCE_TTL":        "10m",
		"API_IDEMPOTENCY_HEADER":             "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL":   "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":      "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://hmac/yamato":    "yamato-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg := mustLoad(t, env, WithSecretResolver(resolver))

	checks := []struct {
		field string
		got   any
		want  any
	}{
		{"Server.Port", cfg.Server.Port, "9090"},
		{"Server.IdleTimeout", cfg.Server.IdleTimeout, 2 * time.Minute},
		{"PubSub.ProjectID", cfg.PubSub.ProjectID, "of-events"},
		{"PubSub.EventsTopic", cfg.PubSub.EventsTopic, "fulfillment-events-prod"},
		{"PSP.StripeAPIKey", cfg.PSP.StripeAPIKey, "stripe-key"},
		{"PSP.StripeWebhookSecret", cfg.PSP.StripeWebhookSecret, "stripe-webhook"},
		{"Security.Environment", cfg.Security.Environment, "prod"},
		{"Security.OIDC.Audience", cfg.Security.OIDC.Audience, "https://service.example.com"},
		{"Security.OIDC.JWKSURL", cfg.Security.OIDC.JWKSURL, "https://example.com/jwks.json"},
		{"Security.HMAC.Secrets[carriers/yamato]", cfg.Security.HMAC.Secrets["carriers/yamato"], "yamato-hmac"},
		{"Security.HMAC.Secrets[carriers/sagawa]", cfg.Security.HMAC.Secrets["carriers/sagawa"], "sagawa-secret"},
		{"Security.HMAC.SignatureHeader", cfg.Security.HMAC.SignatureHeader, "X-Custom-Signature"},
		{"Security.HMAC.ClockSkew", cfg.Security.HMAC.ClockSkew, 3 * time.Minute},
		{"Security.HMAC.NonceTTL", cfg.Security.HMAC.NonceTTL, 10 * time.Minute},
		{"Idempotency.Header", cfg.Idempotency.Header, "X-Idem-Key"},
		{"Idempotency.TTL", cfg.Idempotency.TTL, 48 * time.Hour},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval, 30 * time.Minute},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize, 500},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Errorf("%s: got %v, want %v", check.field, check.got, check.want)
		}
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=of-dot\n"
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
	if cfg.Firebase.ProjectID != "of-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
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
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "of-dev",
		"API_PSP_STRIPE_API_KEY":  "secret://missing",
	}

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
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
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
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "of-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "of-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":       "of-dev",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg := mustLoad(t, env, WithSecretResolver(resolver))
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}

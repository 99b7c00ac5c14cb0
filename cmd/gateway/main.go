package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"docgate/pkg/audit"
	"docgate/pkg/auth"
	"docgate/pkg/errnorm"
	"docgate/pkg/gateway"
	"docgate/pkg/govern"
	"docgate/pkg/hardening"
	"docgate/pkg/httpx"
	"docgate/pkg/metrics"
	"docgate/pkg/ratelimit"
	"docgate/pkg/sanitize"
	"docgate/pkg/stream"
	"docgate/pkg/telemetry"
	"docgate/pkg/vault"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)

type openDBFunc func(ctx context.Context) (*pgxpool.Pool, error)

type openRedisFunc func(ctx context.Context) (*redis.Client, error)

type listenFunc func(server *http.Server) error

var (
	initTelemetryG initTelemetryFunc = telemetry.Init
	openDBFnG      openDBFunc        = openDB
	openRedisFnG   openRedisFunc     = openRedis
	listenFnG      listenFunc        = func(server *http.Server) error { return server.ListenAndServe() }
	logFatalf                        = log.Fatalf
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(initTelemetry initTelemetryFunc, openDBFn openDBFunc, openRedisFn openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "docgate")

	shutdown, err := initTelemetry(ctx, "docgate")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ring, err := loadKeyring(env("VAULT_KEYS", ""), env("VAULT_ACTIVE_KEY", ""))
	if err != nil {
		return fmt.Errorf("vault keys: %w", err)
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "docgate",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		VaultKeyConfigured: ring != nil,
		TokenStoreAddr:     env("REDIS_ADDR", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.SecretRequirement{
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}
	if ring == nil {
		return errors.New("VAULT_KEYS is required")
	}
	v, err := vault.New(ring)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	redisClient, err := openRedisFn(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	var sink errnorm.RecordSink
	if pool != nil {
		defer pool.Close()
		sink = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
	} else {
		logger.Warn("audit database not configured, error records are log-only")
	}

	var events errnorm.EventPublisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := stream.NewKafkaPublisher(stream.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_SECURITY_TOPIC", "docgate.security"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		events = pub
	}

	policies, encrypted, limitClasses, err := loadPolicyConfig(env("POLICY_FILE", ""))
	if err != nil {
		return fmt.Errorf("policy config: %w", err)
	}

	rateWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}

	pipe := &gateway.Pipeline{
		Auth:     &auth.Authenticator{Store: auth.NewRedisTokenStore(redisClient)},
		Policies: policies,
		Vault:    v,
		Governor: &govern.Governor{},
		Normalizer: &errnorm.Normalizer{
			Log:                           logger,
			Sink:                          sink,
			Events:                        events,
			ResourceBreachIsSecurityEvent: env("RESOURCE_BREACH_EVENTS", "true") == "true",
			AuthFailureIsSecurityEvent:    env("AUTH_FAILURE_EVENTS", "true") == "true",
		},
		Metrics: metrics.NewRegistry(),
		Limits:  limitClasses,
		DefaultLimits: govern.Limits{
			MaxWallTime:    time.Millisecond * time.Duration(envInt("MAX_WALL_MS", 2000)),
			MaxCPUTime:     time.Millisecond * time.Duration(envInt("MAX_CPU_MS", 1000)),
			MaxMemoryBytes: int64(envInt("MAX_MEMORY_BYTES", 64<<20)),
		},
		EncryptedFields: encrypted,
		Limiter:         ratelimit.NewRedis(redisClient, rateWindow),
		RatePerWindow:   envInt("RATE_LIMIT_PER_WINDOW", 240),
	}

	backend := backendHandler(
		telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("BACKEND_TIMEOUT_MS", 3000))}),
		env("BACKEND_URL", "http://localhost:8090/process"),
		envInt("BACKEND_RETRIES", 1),
		time.Millisecond*time.Duration(envInt("BACKEND_RETRY_DELAY_MS", 50)),
	)

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("docgate"))
	r.Use(limitRequestBody(maxBody))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "docgate"})
	})
	r.Method(http.MethodGet, "/metrics", pipe.Metrics.Handler())
	r.Post("/v1/process", handleProcess(pipe, backend))

	addr := env("ADDR", ":8080")
	logger.Info("docgate listening", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_GRACE_SEC", 10))
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type processRequest struct {
	Fields     map[string]string `json:"fields"`
	LimitClass string            `json:"limit_class"`
}

func handleProcess(pipe *gateway.Pipeline, backend gateway.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body processRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		resp := pipe.Execute(r.Context(), gateway.Request{
			Token:      auth.BearerToken(r.Header.Get("Authorization")),
			Fields:     body.Fields,
			LimitClass: body.LimitClass,
			Handler:    backend,
		})
		code := http.StatusOK
		if resp.Status != gateway.StatusSuccess {
			code = httpx.StatusForKind(resp.Kind)
		}
		httpx.WriteJSON(w, code, resp)
	}
}

// backendHandler forwards sanitized fields to the document-processing
// backend and returns its JSON body as the handler result.
func backendHandler(client *http.Client, url string, retries int, retryDelay time.Duration) gateway.Handler {
	return func(ctx context.Context, fields map[string]string) (map[string]any, error) {
		payload, err := json.Marshal(map[string]any{"fields": fields})
		if err != nil {
			return nil, err
		}
		status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, url, payload, nil, retries, retryDelay)
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("backend: status %d", status)
		}
		out := map[string]any{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, fmt.Errorf("backend: %w", err)
			}
		}
		return out, nil
	}
}

func limitRequestBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loadKeyring parses VAULT_KEYS ("id=base64key,id=base64key") plus the
// active key id into an immutable keyring. Returns nil when unset so the
// hardening check can report the gap before startup fails.
func loadKeyring(raw, activeID string) (*vault.Keyring, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []vault.Key
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, encoded, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed key entry %q", part)
		}
		material, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", id, err)
		}
		keys = append(keys, vault.Key{
			ID:        strings.TrimSpace(id),
			Material:  material,
			CreatedAt: time.Now().UTC(),
			Active:    strings.TrimSpace(id) == strings.TrimSpace(activeID),
		})
	}
	if len(keys) == 1 && strings.TrimSpace(activeID) == "" {
		keys[0].Active = true
	}
	return vault.NewKeyring(keys...)
}

type policyFileEntry struct {
	Class       string   `json:"class"`
	MaxLength   int      `json:"max_length"`
	Required    bool     `json:"required"`
	AllowedTags []string `json:"allowed_tags"`
	TextClass   string   `json:"text_class"`
	ExtraRunes  string   `json:"extra_runes"`
	Encrypted   bool     `json:"encrypted"`
}

type limitClassEntry struct {
	MaxWallMS      int   `json:"max_wall_ms"`
	MaxCPUMS       int   `json:"max_cpu_ms"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
}

type policyFile struct {
	Fields       map[string]policyFileEntry `json:"fields"`
	LimitClasses map[string]limitClassEntry `json:"limit_classes"`
}

// loadPolicyConfig reads the field policy table and limit classes from
// a JSON file, or falls back to the built-in document policies.
func loadPolicyConfig(path string) (*sanitize.PolicyTable, map[string]bool, map[string]govern.Limits, error) {
	if strings.TrimSpace(path) == "" {
		return defaultPolicies(), map[string]bool{"content": true}, nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, nil, err
	}
	var cfg policyFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, nil, err
	}
	if len(cfg.Fields) == 0 {
		return nil, nil, nil, errors.New("policy file defines no fields")
	}
	policies := make(map[string]sanitize.Policy, len(cfg.Fields))
	encrypted := make(map[string]bool)
	for name, entry := range cfg.Fields {
		policies[name] = sanitize.Policy{
			Class:       sanitize.Class(entry.Class),
			MaxLength:   entry.MaxLength,
			Required:    entry.Required,
			AllowedTags: entry.AllowedTags,
			TextClass:   sanitize.TextClass(entry.TextClass),
			ExtraRunes:  entry.ExtraRunes,
		}
		if entry.Encrypted {
			encrypted[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}
	var limits map[string]govern.Limits
	if len(cfg.LimitClasses) > 0 {
		limits = make(map[string]govern.Limits, len(cfg.LimitClasses))
		for class, entry := range cfg.LimitClasses {
			limits[class] = govern.Limits{
				MaxWallTime:    time.Millisecond * time.Duration(entry.MaxWallMS),
				MaxCPUTime:     time.Millisecond * time.Duration(entry.MaxCPUMS),
				MaxMemoryBytes: entry.MaxMemoryBytes,
			}
		}
	}
	return sanitize.NewPolicyTable(policies), encrypted, limits, nil
}

func defaultPolicies() *sanitize.PolicyTable {
	return sanitize.NewPolicyTable(map[string]sanitize.Policy{
		"doc_id": {
			Class:      sanitize.ClassText,
			MaxLength:  64,
			Required:   true,
			TextClass:  sanitize.TextAlphanumeric,
			ExtraRunes: "-_",
		},
		"title": {
			Class:     sanitize.ClassText,
			MaxLength: 256,
			TextClass: sanitize.TextPrintableASCII,
		},
		"body": {
			Class:       sanitize.ClassHTML,
			MaxLength:   1 << 20,
			AllowedTags: []string{"p", "br", "b", "i", "em", "strong", "ul", "ol", "li", "h1", "h2", "h3", "blockquote"},
		},
		"content": {
			Class:     sanitize.ClassText,
			MaxLength: 1 << 16,
			TextClass: sanitize.TextPrintableASCII,
		},
	})
}

func openDB(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := env("DATABASE_URL", "")
	if dsn == "" {
		return nil, nil
	}
	return pgxpool.New(ctx, dsn)
}

func openRedis(ctx context.Context) (*redis.Client, error) {
	tlsConfig, err := redisTLSConfig()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(env("REDIS_REQUIRE_TLS", "")), "true") && tlsConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      env("REDIS_ADDR", "localhost:6379"),
		Password:  env("REDIS_PASSWORD", ""),
		DB:        envInt("REDIS_DB", 0),
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func redisTLSConfig() (*tls.Config, error) {
	if !strings.EqualFold(strings.TrimSpace(env("REDIS_TLS", "")), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(strings.TrimSpace(env("REDIS_TLS_INSECURE", "")), "true") {
		if !strings.EqualFold(strings.TrimSpace(env("REDIS_ALLOW_INSECURE_TLS", "")), "true") {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(env("REDIS_TLS_SERVER_NAME", "")); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(env("REDIS_TLS_CA_CERT_FILE", "")); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(env("REDIS_TLS_CERT_FILE", ""))
	keyFile := strings.TrimSpace(env("REDIS_TLS_KEY_FILE", ""))
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

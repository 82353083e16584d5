// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendTables   = "tables"
	BackendPostgres = "postgres"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Debug      bool
	ListenAddr string

	Backend          string
	ConnectionString string
	CardsTable       string
	AuditTable       string
	UsersTable       string
	MembersTable     string
	AuditQueue       string
	DatabaseDSN      string

	RedisConnection string
	CardsCacheTTL   time.Duration

	RealtimeChannel string
	DedupCapacity   int
	MoveRetries     int
	StatusWorkers   int
	StatusBuffer    int
	StatusTimeout   time.Duration

	Auth AuthConfig
	S3   S3Config
}

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Domain      string
	Audience    string
	TestMode    bool
	TestSecret  string
	KeyCacheTTL time.Duration
}

// S3Config points at the bucket for card background images. An empty
// bucket disables uploads.
type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	URLTTL       time.Duration
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Debug:      e.boolean("DEBUG", false),
		ListenAddr: e.str("LISTEN_ADDR", ":8080"),

		Backend:          strings.ToLower(e.str("STORE_BACKEND", BackendMemory)),
		ConnectionString: e.str("STORAGE_CONNECTION_STRING", ""),
		CardsTable:       e.str("CARDS_TABLE", "cards"),
		AuditTable:       e.str("AUDIT_TABLE", ""),
		UsersTable:       e.str("USERS_TABLE", ""),
		MembersTable:     e.str("MEMBERS_TABLE", ""),
		AuditQueue:       e.str("AUDIT_QUEUE", ""),
		DatabaseDSN:      e.str("DATABASE_DSN", ""),

		RedisConnection: e.str("REDIS_CONNECTION_STRING", ""),
		CardsCacheTTL:   e.duration("CARDS_CACHE_TTL", time.Minute),

		RealtimeChannel: e.str("REALTIME_CHANNEL", "board:realtime"),
		DedupCapacity:   e.positive("DEDUP_CAPACITY", 1000),
		MoveRetries:     e.integer("MOVE_RETRIES", 1),
		StatusWorkers:   e.positive("STATUS_WORKERS", 4),
		StatusBuffer:    e.positive("STATUS_BUFFER", 256),
		StatusTimeout:   e.duration("STATUS_TIMEOUT", 5*time.Second),

		Auth: AuthConfig{
			Domain:      e.str("AUTH0_DOMAIN", ""),
			Audience:    e.str("AUTH0_AUDIENCE", ""),
			TestMode:    e.str("AUTH0_TEST_MODE", "") == "1",
			TestSecret:  e.str("TEST_JWT_SECRET", ""),
			KeyCacheTTL: e.duration("JWKS_CACHE_TTL", 15*time.Minute),
		},
		S3: S3Config{
			Bucket:       e.str("S3_BUCKET", ""),
			Region:       e.str("S3_REGION", "us-east-1"),
			BaseEndpoint: e.str("S3_BASE_ENDPOINT", ""),
			AccessKey:    e.str("S3_ACCESS_KEY", ""),
			SecretKey:    e.str("S3_SECRET_KEY", ""),
			URLTTL:       e.duration("UPLOAD_URL_TTL", 15*time.Minute),
		},
	}
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	if cfg.MoveRetries < 0 {
		e.fail("MOVE_RETRIES", "must not be negative")
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendTables:
		if c.ConnectionString == "" || c.CardsTable == "" {
			return errors.New("missing storage config: STORAGE_CONNECTION_STRING and CARDS_TABLE are required for the tables backend")
		}
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return errors.New("missing storage config: DATABASE_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.Backend)
	}
	if c.AuditQueue != "" && c.ConnectionString == "" {
		return errors.New("AUDIT_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.Auth.TestMode {
		if c.Auth.TestSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) fail(key, reason string) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %s", key, reason))
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err.Error())
		return def
	}
	return n
}

func (e *env) positive(key string, def int) int {
	n := e.integer(key, def)
	if n <= 0 {
		e.fail(key, "must be greater than zero")
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.fail(key, "must be a positive duration")
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err.Error())
		return def
	}
	return b
}

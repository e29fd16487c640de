package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/yaffw/cinefav/src/internal/logging"
)

// ConfigPathEnvVar names the YAML file when no path is passed to Load.
const ConfigPathEnvVar = "CONFIG_PATH"

const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   string          `koanf:"backend" validate:"oneof=memory postgres firestore"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Firestore FirestoreConfig `koanf:"firestore"`
	TMDB      TMDBConfig      `koanf:"tmdb"`
	Redis     RedisConfig     `koanf:"redis"`
	OIDC      OIDCConfig      `koanf:"oidc"`
	Favorites FavoritesConfig `koanf:"favorites"`
	Logging   logging.Config  `koanf:"logging"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required,numeric"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
	// Listen enables LISTEN/NOTIFY so writes from other instances reach
	// subscribers.
	Listen bool `koanf:"listen"`
}

type FirestoreConfig struct {
	ProjectID       string `koanf:"project_id"`
	Collection      string `koanf:"collection"`
	UsersCollection string `koanf:"users_collection"`
}

type TMDBConfig struct {
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout" validate:"gte=0"`
	RateLimit float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst     int           `koanf:"burst" validate:"gte=0"`
}

// RedisConfig is optional; an empty Addr disables the metadata cache.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db" validate:"gte=0"`
	TTL      time.Duration `koanf:"ttl" validate:"gte=0"`
}

type OIDCConfig struct {
	ProviderURL  string `koanf:"provider_url"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

func (o OIDCConfig) Enabled() bool { return o.ProviderURL != "" }

type FavoritesConfig struct {
	TransactionAttempts int           `koanf:"transaction_attempts" validate:"min=1,max=25"`
	SessionIdleTimeout  time.Duration `koanf:"session_idle_timeout" validate:"gte=0"`
	ReapInterval        time.Duration `koanf:"reap_interval" validate:"gte=0"`
	// LoginURL is handed to signed-out users who try to toggle a favorite.
	LoginURL string `koanf:"login_url" validate:"required"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendMemory,
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Listen:          true,
		},
		Firestore: FirestoreConfig{
			Collection:      "favorites",
			UsersCollection: "users",
		},
		TMDB: TMDBConfig{
			BaseURL:   "https://api.themoviedb.org/3",
			Timeout:   10 * time.Second,
			RateLimit: 20,
			Burst:     5,
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		Favorites: FavoritesConfig{
			TransactionAttempts: 5,
			SessionIdleTimeout:  30 * time.Minute,
			ReapInterval:        time.Minute,
			LoginURL:            "/login",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the YAML file at path (or $CONFIG_PATH) and the
// environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var envMappings = map[string]string{
	// Server
	"port": "server.port",
	"cinefav_backend":          "backend",
	"cinefav_shutdown_timeout": "server.shutdown_timeout",

	// Postgres
	"database_url":                       "postgres.url",
	"cinefav_postgres_listen":            "postgres.listen",
	"cinefav_postgres_max_open_conns":    "postgres.max_open_conns",
	"cinefav_postgres_max_idle_conns":    "postgres.max_idle_conns",
	"cinefav_postgres_conn_max_lifetime": "postgres.conn_max_lifetime",

	// Firestore
	"firestore_project_id":               "firestore.project_id",
	"google_cloud_project":               "firestore.project_id",
	"cinefav_firestore_collection":       "firestore.collection",
	"cinefav_firestore_users_collection": "firestore.users_collection",

	// TMDB and cache
	"tmdb_api_key":         "tmdb.api_key",
	"tmdb_base_url":        "tmdb.base_url",
	"tmdb_rate_limit":      "tmdb.rate_limit",
	"cinefav_tmdb_timeout": "tmdb.timeout",
	"cinefav_tmdb_burst":   "tmdb.burst",
	"redis_addr":           "redis.addr",
	"redis_password":       "redis.password",
	"redis_db":             "redis.db",
	"cinefav_metadata_ttl": "redis.ttl",

	// Auth
	"oidc_provider_url":  "oidc.provider_url",
	"oidc_client_id":     "oidc.client_id",
	"oidc_client_secret": "oidc.client_secret",
	"oidc_redirect_url":  "oidc.redirect_url",

	// Favorites
	"cinefav_transaction_attempts":  "favorites.transaction_attempts",
	"cinefav_session_idle_timeout":  "favorites.session_idle_timeout",
	"cinefav_session_reap_interval": "favorites.reap_interval",
	"cinefav_login_url":             "favorites.login_url",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
}

// envKey maps known environment variables to config paths. Anything else is
// dropped so unrelated variables never leak into the config.
func envKey(key string) string {
	return envMappings[strings.ToLower(key)]
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch c.Backend {
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return errors.New("postgres backend requires postgres.url (DATABASE_URL)")
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("firestore backend requires firestore.project_id")
		}
	}

	if c.OIDC.Enabled() && (c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "") {
		return errors.New("oidc requires client_id and redirect_url")
	}
	return nil
}

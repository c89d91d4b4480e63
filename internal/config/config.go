package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds auth backend configuration loaded from environment variables.
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	Version     string `envconfig:"VERSION" default:"dev"`
	BcryptCost  int    `envconfig:"BCRYPT_COST" default:"12"`

	SessionSecret   string        `envconfig:"SESSION_SECRET" required:"true"`
	SessionIssuer   string        `envconfig:"SESSION_ISSUER" default:"neeiz-auth"`
	SessionAudience string        `envconfig:"SESSION_AUDIENCE" default:"neeiz"`
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"720h"`

	LineChannelID     string `envconfig:"LINE_CHANNEL_ID"`
	LineChannelSecret string `envconfig:"LINE_CHANNEL_SECRET"`
	LineSkipVerify    bool   `envconfig:"LINE_SKIP_VERIFY" default:"false"`

	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"https://neeiz-01.web.app,https://neeiz-01.firebaseapp.com,https://neeiz.com,https://www.neeiz.com"`
	AuthRateLimit  float64  `envconfig:"AUTH_RATE_LIMIT" default:"5"`
	AuthRateBurst  int      `envconfig:"AUTH_RATE_BURST" default:"10"`
	MetricsEnabled bool     `envconfig:"METRICS_ENABLED" default:"true"`

	StorageEndpoint  string `envconfig:"STORAGE_ENDPOINT"`
	StorageAccessKey string `envconfig:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `envconfig:"STORAGE_SECRET_KEY"`
	StorageBucket    string `envconfig:"STORAGE_BUCKET" default:"neeiz-profiles"`
	StorageUseSSL    bool   `envconfig:"STORAGE_USE_SSL" default:"true"`
	StoragePublicURL string `envconfig:"STORAGE_PUBLIC_URL"`
}

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ClientConfig configures the neeiz shell. Variables carry the NEEIZ_ prefix.
type ClientConfig struct {
	APIURL           string        `envconfig:"API_URL" default:"http://localhost:8080"`
	LineChannelID    string        `envconfig:"LINE_CHANNEL_ID"`
	LineSecret       string        `envconfig:"LINE_CHANNEL_SECRET"`
	RedirectURI      string        `envconfig:"REDIRECT_URI" default:"http://127.0.0.1:8765/callback"`
	StatePath        string        `envconfig:"STATE_PATH"`
	CacheDir         string        `envconfig:"CACHE_DIR"`
	BootstrapTimeout time.Duration `envconfig:"BOOTSTRAP_TIMEOUT" default:"10s"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"warn"`
}

// LoadClient reads the shell configuration.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("neeiz", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MigrateConfig is the subset read by cmd/migrate.
type MigrateConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

// LoadMigrate reads the migration runner configuration.
func LoadMigrate() (*MigrateConfig, error) {
	var cfg MigrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

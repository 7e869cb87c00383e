package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the inspectflow server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Drive    DriveConfig
	Extract  ExtractConfig
	Pipeline PipelineConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// DriveConfig configures the remote document store client.
type DriveConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	MaxRetries  int
}

type ExtractConfig struct {
	Provider string
	Timeout  time.Duration
	OpenAI   OpenAIConfig

	// Per-million-token prices in USD and the fixed USD->BRL rate used to
	// derive the local-currency cost columns.
	InputPricePerMTokUSD  string
	OutputPricePerMTokUSD string
	ExchangeRateUSDBRL    string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// PipelineConfig holds folder ids in the remote store plus local pipeline
// tuning knobs.
type PipelineConfig struct {
	FolderIn     string
	FolderBackup string
	FolderError  string

	InboxDir       string // optional local drop directory (fsnotify)
	StaleTimeout   time.Duration
	SyncLimit      int
	PollInterval   time.Duration
	ReaperInterval time.Duration
	DailyQuota     int
}

type WebhookConfig struct {
	ChannelToken string
	CronSecret   string
	PublicURL    string
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INSPECTFLOW_PORT", 8080),
			Env:  envString("INSPECTFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Drive: DriveConfig{
			BaseURL:     envString("DRIVE_BASE_URL", "https://www.googleapis.com/drive/v3"),
			AccessToken: os.Getenv("DRIVE_ACCESS_TOKEN"),
			Timeout:     envDuration("DRIVE_TIMEOUT", 30*time.Second),
			MaxRetries:  envInt("DRIVE_MAX_RETRIES", 2),
		},
		Extract: ExtractConfig{
			Provider: envString("EXTRACT_PROVIDER", "openai"),
			Timeout:  envDurationSecs("EXTRACT_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			InputPricePerMTokUSD:  envString("EXTRACT_INPUT_PRICE_USD", "0.150"),
			OutputPricePerMTokUSD: envString("EXTRACT_OUTPUT_PRICE_USD", "0.600"),
			ExchangeRateUSDBRL:    envString("EXCHANGE_RATE_USD_BRL", "5.00"),
		},
		Pipeline: PipelineConfig{
			FolderIn:       os.Getenv("FOLDER_ID_INCOMING"),
			FolderBackup:   os.Getenv("FOLDER_ID_BACKUP"),
			FolderError:    os.Getenv("FOLDER_ID_ERRORS"),
			InboxDir:       os.Getenv("INBOX_DIR"),
			StaleTimeout:   envDuration("PIPELINE_STALE_TIMEOUT", 30*time.Minute),
			SyncLimit:      envInt("PIPELINE_SYNC_LIMIT", 5),
			PollInterval:   envDuration("PIPELINE_POLL_INTERVAL", 15*time.Minute),
			ReaperInterval: envDuration("PIPELINE_REAPER_INTERVAL", 10*time.Minute),
			DailyQuota:     envInt("PIPELINE_DAILY_QUOTA", 200),
		},
		Webhook: WebhookConfig{
			ChannelToken: os.Getenv("DRIVE_WEBHOOK_TOKEN"),
			CronSecret:   os.Getenv("CRON_SECRET"),
			PublicURL:    os.Getenv("APP_PUBLIC_URL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Drive.BaseURL, "http://") && !strings.HasPrefix(c.Drive.BaseURL, "https://") {
		return fmt.Errorf("DRIVE_BASE_URL must start with http:// or https://, got %q", c.Drive.BaseURL)
	}

	if !validProviders[c.Extract.Provider] {
		return fmt.Errorf("EXTRACT_PROVIDER must be one of openai, mock; got %q", c.Extract.Provider)
	}
	if c.Extract.Provider == "openai" && c.Extract.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when EXTRACT_PROVIDER is openai")
	}

	if c.Pipeline.FolderIn == "" {
		return fmt.Errorf("FOLDER_ID_INCOMING is required")
	}

	if c.Webhook.ChannelToken == "" {
		return fmt.Errorf("DRIVE_WEBHOOK_TOKEN is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

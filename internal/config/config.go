package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Services   ServicesConfig   `yaml:"services"`
	Schedules  SchedulesConfig  `yaml:"schedules"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	VisibilityTimeoutSec int     `yaml:"visibility_timeout_sec"`
	MaxAttempts          int     `yaml:"max_attempts"`
	RetentionSec         int     `yaml:"retention_sec"`
	PollIntervalSec      int     `yaml:"poll_interval_sec"`
	InitialDelaySec      int     `yaml:"retry_initial_delay_sec"`
	MaxDelaySec          int     `yaml:"retry_max_delay_sec"`
	BackoffFactor        float64 `yaml:"retry_backoff_factor"`
}

type MailboxConfig struct {
	HeartbeatIntervalSec int              `yaml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int              `yaml:"heartbeat_timeout_sec"`
	ReconnectDelaySec    int              `yaml:"reconnect_delay_sec"`
	SyncWindowSec        int              `yaml:"sync_window_sec"`
	Accounts             []MailboxAccount `yaml:"accounts"`
}

type MailboxAccount struct {
	ID          string `yaml:"id"`
	OwnerUserID string `yaml:"owner_user_id"`
	Host        string `yaml:"host"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Folder      string `yaml:"folder"`
}

type FeedsConfig struct {
	CycleTTLSec int          `yaml:"cycle_ttl_sec"`
	Sources     []FeedSource `yaml:"sources"`
}

type FeedSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ServicesConfig points at the external model/indexer services the
// pipeline calls over HTTP.
type ServicesConfig struct {
	OCRURL     string `yaml:"ocr_url"`
	EmbedURL   string `yaml:"embed_url"`
	PreviewURL string `yaml:"preview_url"`
	PolicyURL  string `yaml:"policy_url"`
	IndexURL   string `yaml:"index_url"`
}

type SchedulesConfig struct {
	FeedSync     string `yaml:"feed_sync"`
	DeadlineScan string `yaml:"deadline_scan"`
	MailboxSync  string `yaml:"mailbox_sync"`
}

type GatewayConfig struct {
	Port           int            `yaml:"port"`
	Tokens         []GatewayToken `yaml:"tokens"`
	RateLimitRPS   float64        `yaml:"rate_limit_rps"`
	RateLimitBurst int            `yaml:"rate_limit_burst"`
	DeadlineDays   int            `yaml:"deadline_warn_days"`
}

type GatewayToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
	Name   string `yaml:"name"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; the YAML may reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expanded, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.New("redis address is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	seen := make(map[string]bool)
	for _, acct := range c.Mailbox.Accounts {
		if acct.ID == "" {
			return errors.New("mailbox account id is required")
		}
		if seen[acct.ID] {
			return fmt.Errorf("duplicate mailbox account id: %s", acct.ID)
		}
		seen[acct.ID] = true
	}
	names := make(map[string]bool)
	for _, src := range c.Feeds.Sources {
		if src.Name == "" || src.URL == "" {
			return errors.New("feed source requires name and url")
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate feed source name: %s", src.Name)
		}
		names[src.Name] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "caseflow"
	}
	if c.Queue.VisibilityTimeoutSec == 0 {
		c.Queue.VisibilityTimeoutSec = 120
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.RetentionSec == 0 {
		c.Queue.RetentionSec = 24 * 3600
	}
	if c.Queue.PollIntervalSec == 0 {
		c.Queue.PollIntervalSec = 1
	}
	if c.Queue.InitialDelaySec == 0 {
		c.Queue.InitialDelaySec = 2
	}
	if c.Queue.MaxDelaySec == 0 {
		c.Queue.MaxDelaySec = 60
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = 2
	}
	if c.Mailbox.HeartbeatIntervalSec == 0 {
		// Remote mail servers commonly drop idle sessions around 30
		// minutes; stay well under that.
		c.Mailbox.HeartbeatIntervalSec = 300
	}
	if c.Mailbox.HeartbeatTimeoutSec == 0 {
		c.Mailbox.HeartbeatTimeoutSec = 10
	}
	if c.Mailbox.ReconnectDelaySec == 0 {
		c.Mailbox.ReconnectDelaySec = 15
	}
	if c.Mailbox.SyncWindowSec == 0 {
		c.Mailbox.SyncWindowSec = 60
	}
	if c.Feeds.CycleTTLSec == 0 {
		c.Feeds.CycleTTLSec = 600
	}
	if c.Schedules.FeedSync == "" {
		c.Schedules.FeedSync = "*/15 * * * *"
	}
	if c.Schedules.DeadlineScan == "" {
		c.Schedules.DeadlineScan = "0 7 * * *"
	}
	if c.Schedules.MailboxSync == "" {
		c.Schedules.MailboxSync = "*/5 * * * *"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.RateLimitRPS == 0 {
		c.Gateway.RateLimitRPS = 10
	}
	if c.Gateway.RateLimitBurst == 0 {
		c.Gateway.RateLimitBurst = 20
	}
	if c.Gateway.DeadlineDays == 0 {
		c.Gateway.DeadlineDays = 7
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

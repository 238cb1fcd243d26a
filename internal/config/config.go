package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalder/reach/internal/channel"
)

// Config is the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Selector     SelectorConfig     `yaml:"selector"`
	Budget       BudgetConfig       `yaml:"budget"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains storage paths and retention settings
type StorageConfig struct {
	// CampaignsPath is the SQLite database holding campaigns and the
	// spend ledger.
	CampaignsPath string `yaml:"campaigns_path"`

	// HistoryPath is the BoltDB file holding send history and dedup
	// reservations.
	HistoryPath string `yaml:"history_path"`

	// HistoryMaxAge prunes send records older than this; zero keeps
	// them forever.
	HistoryMaxAge   time.Duration `yaml:"history_max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// OrchestratorConfig contains pipeline tunables
type OrchestratorConfig struct {
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	BatchWorkers   int           `yaml:"batch_workers"`

	// FallbackChannels is the total channel attempts per message,
	// primary included.
	FallbackChannels int `yaml:"fallback_channels"`
}

// DedupConfig contains recency and frequency settings
type DedupConfig struct {
	Lookback      time.Duration `yaml:"lookback"`
	MaxPerDay     int           `yaml:"max_per_day"`
	MaxPerWeek    int           `yaml:"max_per_week"`
	CrossCampaign bool          `yaml:"cross_campaign"`
}

// SelectorConfig contains channel scoring weights
type SelectorConfig struct {
	CustomerTypeWeight float64 `yaml:"customer_type_weight"`
	EngagementWeight   float64 `yaml:"engagement_weight"`
	DeviceWeight       float64 `yaml:"device_weight"`
	UrgencyWeight      float64 `yaml:"urgency_weight"`
	TimeOfDayWeight    float64 `yaml:"time_of_day_weight"`
}

// BudgetConfig contains spend settings
type BudgetConfig struct {
	// Costs maps channel name to per-message cost in budget units.
	Costs           map[string]float64 `yaml:"costs"`
	PacingThreshold float64            `yaml:"pacing_threshold"`
}

// ScheduleConfig contains send-time settings
type ScheduleConfig struct {
	BatchSpacing time.Duration `yaml:"batch_spacing"`
}

// DispatchConfig contains delivery hand-off settings
type DispatchConfig struct {
	// AMQPURL enables queue dispatch when set; empty falls back to
	// log-only dispatch.
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"` // IPs or CIDRs; empty allows all
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.CampaignsPath == "" {
		c.Storage.CampaignsPath = "/var/lib/reach/campaigns.db"
	}
	if c.Storage.HistoryPath == "" {
		c.Storage.HistoryPath = "/var/lib/reach/history.db"
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Orchestrator.StoreTimeout == 0 {
		c.Orchestrator.StoreTimeout = 5 * time.Second
	}
	if c.Orchestrator.ReservationTTL == 0 {
		c.Orchestrator.ReservationTTL = time.Minute
	}
	if c.Orchestrator.BatchWorkers == 0 {
		c.Orchestrator.BatchWorkers = 4
	}
	if c.Orchestrator.FallbackChannels == 0 {
		c.Orchestrator.FallbackChannels = 3
	}

	if c.Dedup.Lookback == 0 {
		c.Dedup.Lookback = 24 * time.Hour
	}
	if c.Dedup.MaxPerDay == 0 {
		c.Dedup.MaxPerDay = 3
	}
	if c.Dedup.MaxPerWeek == 0 {
		c.Dedup.MaxPerWeek = 10
	}

	if c.Selector.CustomerTypeWeight == 0 && c.Selector.EngagementWeight == 0 &&
		c.Selector.DeviceWeight == 0 && c.Selector.UrgencyWeight == 0 &&
		c.Selector.TimeOfDayWeight == 0 {
		c.Selector.CustomerTypeWeight = 0.30
		c.Selector.EngagementWeight = 0.30
		c.Selector.DeviceWeight = 0.20
		c.Selector.UrgencyWeight = 0.10
		c.Selector.TimeOfDayWeight = 0.10
	}

	if c.Budget.Costs == nil {
		c.Budget.Costs = map[string]float64{
			"email":    0.001,
			"whatsapp": 0.005,
		}
	}
	if c.Budget.PacingThreshold == 0 {
		c.Budget.PacingThreshold = 0.1
	}

	if c.Schedule.BatchSpacing == 0 {
		c.Schedule.BatchSpacing = 30 * time.Minute
	}

	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "outreach_dispatch"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	for name := range c.Budget.Costs {
		if !channel.Channel(name).Valid() {
			return fmt.Errorf("unknown channel in budget costs: %s", name)
		}
	}
	for name, cost := range c.Budget.Costs {
		if cost < 0 {
			return fmt.Errorf("negative cost for channel %s", name)
		}
	}

	sum := c.Selector.CustomerTypeWeight + c.Selector.EngagementWeight +
		c.Selector.DeviceWeight + c.Selector.UrgencyWeight + c.Selector.TimeOfDayWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("selector weights must sum to 1.0, got %.2f", sum)
	}

	if c.Dedup.MaxPerDay < 0 || c.Dedup.MaxPerWeek < 0 {
		return fmt.Errorf("frequency caps must be non-negative")
	}
	if c.Dedup.MaxPerWeek > 0 && c.Dedup.MaxPerDay > c.Dedup.MaxPerWeek {
		return fmt.Errorf("daily frequency cap %d exceeds weekly cap %d", c.Dedup.MaxPerDay, c.Dedup.MaxPerWeek)
	}

	if c.Orchestrator.FallbackChannels < 1 {
		return fmt.Errorf("fallback_channels must be at least 1")
	}

	return nil
}

// ChannelCosts converts the cost table to channel keys.
func (c *Config) ChannelCosts() map[channel.Channel]float64 {
	out := make(map[channel.Channel]float64, len(c.Budget.Costs))
	for name, cost := range c.Budget.Costs {
		out[channel.Channel(name)] = cost
	}
	return out
}

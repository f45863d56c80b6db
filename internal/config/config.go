package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the coordinator. Defaults are applied in
// code; a YAML file and environment overrides refine them.
type Config struct {
	Holding     HoldingConfig     `yaml:"holding"`
	Receipts    ReceiptsConfig    `yaml:"receipts"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Storage     StorageConfig     `yaml:"storage"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

type HoldingConfig struct {
	// RetentionWindow bounds how long a message may wait for its missing
	// group or contact before processing fails permanently.
	RetentionWindow time.Duration `yaml:"retentionWindow"`
}

type ReceiptsConfig struct {
	MaxRetries      int           `yaml:"maxRetries"`
	PerContactRPS   float64       `yaml:"perContactRps"`
	PerContactBurst int           `yaml:"perContactBurst"`
	LimiterIdleTTL  time.Duration `yaml:"limiterIdleTtl"`
}

type PipelineConfig struct {
	WorkerPoolSize int `yaml:"workerPoolSize"`
	QueueCapacity  int `yaml:"queueCapacity"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

type MaintenanceConfig struct {
	// Cron expressions (robfig/cron, standard five-field syntax).
	ExpirationSweep string `yaml:"expirationSweep"`
	HoldingSweep    string `yaml:"holdingSweep"`
	RetentionSweep  string `yaml:"retentionSweep"`
}

type DefaultsConfig struct {
	SendReadReceipts bool `yaml:"sendReadReceipts"`
}

func DefaultConfig() Config {
	return Config{
		Holding: HoldingConfig{
			RetentionWindow: 48 * time.Hour,
		},
		Receipts: ReceiptsConfig{
			MaxRetries:      10,
			PerContactRPS:   2,
			PerContactBurst: 10,
			LimiterIdleTTL:  10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			WorkerPoolSize: 4,
			QueueCapacity:  1024,
		},
		Maintenance: MaintenanceConfig{
			ExpirationSweep: "* * * * *",
			HoldingSweep:    "*/10 * * * *",
			RetentionSweep:  "0 * * * *",
		},
		Defaults: DefaultsConfig{
			SendReadReceipts: false,
		},
	}
}

// LoadFromPath reads the config file at path, falling back to defaults when
// the file is absent. A present but malformed file is an error; silently
// running with defaults after a typo is worse than failing startup.
func LoadFromPath(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		applyEnvOverrides(&cfg)
		return cfg, cfg.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, cfg.validate()
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	fillZeroes(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, cfg.validate()
}

func fillZeroes(cfg *Config) {
	def := DefaultConfig()
	if cfg.Holding.RetentionWindow <= 0 {
		cfg.Holding.RetentionWindow = def.Holding.RetentionWindow
	}
	if cfg.Receipts.MaxRetries <= 0 {
		cfg.Receipts.MaxRetries = def.Receipts.MaxRetries
	}
	if cfg.Receipts.PerContactRPS <= 0 {
		cfg.Receipts.PerContactRPS = def.Receipts.PerContactRPS
	}
	if cfg.Receipts.PerContactBurst <= 0 {
		cfg.Receipts.PerContactBurst = def.Receipts.PerContactBurst
	}
	if cfg.Receipts.LimiterIdleTTL <= 0 {
		cfg.Receipts.LimiterIdleTTL = def.Receipts.LimiterIdleTTL
	}
	if cfg.Pipeline.WorkerPoolSize <= 0 {
		cfg.Pipeline.WorkerPoolSize = def.Pipeline.WorkerPoolSize
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		cfg.Pipeline.QueueCapacity = def.Pipeline.QueueCapacity
	}
	if cfg.Maintenance.ExpirationSweep == "" {
		cfg.Maintenance.ExpirationSweep = def.Maintenance.ExpirationSweep
	}
	if cfg.Maintenance.HoldingSweep == "" {
		cfg.Maintenance.HoldingSweep = def.Maintenance.HoldingSweep
	}
	if cfg.Maintenance.RetentionSweep == "" {
		cfg.Maintenance.RetentionSweep = def.Maintenance.RetentionSweep
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOOM_STORAGE_PATH")); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LOOM_STORAGE_PASSPHRASE"); v != "" {
		cfg.Storage.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_HOLDING_RETENTION")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Holding.RetentionWindow = d
		}
	}
}

func (c Config) validate() error {
	if c.Holding.RetentionWindow <= 0 {
		return errors.New("config: holding retention window must be positive")
	}
	if c.Receipts.MaxRetries <= 0 {
		return errors.New("config: receipt retry cap must be positive")
	}
	return nil
}

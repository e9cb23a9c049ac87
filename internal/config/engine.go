package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig carries the tunables of the accounting engine. It can be
// reloaded while the process runs.
type EngineConfig struct {
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Session    SessionConfig    `mapstructure:"session"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Loyalty    LoyaltyConfig    `mapstructure:"loyalty"`
	Purchase   PurchaseConfig   `mapstructure:"purchase"`
}

type SweepConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	RunTimeout      time.Duration `mapstructure:"runTimeout"`
	BatchSize       int           `mapstructure:"batchSize"`
	Workers         int           `mapstructure:"workers"`
	ActivationGrace time.Duration `mapstructure:"activationGrace"`
}

type SessionConfig struct {
	// StaleTimeout closes ONLINE sessions that have not reported for this long.
	StaleTimeout time.Duration `mapstructure:"staleTimeout"`
}

type AccountingConfig struct {
	DedupTTL      time.Duration `mapstructure:"dedupTTL"`
	DedupCapacity uint64        `mapstructure:"dedupCapacity"`

	// IngestRatePerSecond caps accepted events per NAS on the HTTP
	// boundary. Zero disables the limit.
	IngestRatePerSecond float64 `mapstructure:"ingestRatePerSecond"`
	IngestBurst         int     `mapstructure:"ingestBurst"`
}

type DispatchConfig struct {
	QueueSize      int           `mapstructure:"queueSize"`
	Workers        int           `mapstructure:"workers"`
	RatePerSecond  float64       `mapstructure:"ratePerSecond"`
	Burst          int           `mapstructure:"burst"`
	MaxTries       uint          `mapstructure:"maxTries"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	CommandTimeout time.Duration `mapstructure:"commandTimeout"`
}

type LoyaltyConfig struct {
	PointValidityDays int           `mapstructure:"pointValidityDays"`
	ExpiryInterval    time.Duration `mapstructure:"expiryInterval"`

	// Tiers are ordered by MinPoints; the first must start at zero.
	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig is a loyalty tier reached once the live balance is at least
// MinPoints.
type TierConfig struct {
	Name            string `mapstructure:"name" json:"name"`
	MinPoints       int64  `mapstructure:"minPoints" json:"min_points"`
	PrioritySupport bool   `mapstructure:"prioritySupport" json:"priority_support"`
}

type PurchaseConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Sweep: SweepConfig{
			Interval:        time.Minute,
			RunTimeout:      50 * time.Second,
			BatchSize:       200,
			Workers:         8,
			ActivationGrace: 30 * 24 * time.Hour,
		},
		Session: SessionConfig{
			StaleTimeout: 30 * time.Minute,
		},
		Accounting: AccountingConfig{
			DedupTTL:      10 * time.Minute,
			DedupCapacity: 100_000,
		},
		Dispatch: DispatchConfig{
			QueueSize:      1024,
			Workers:        4,
			RatePerSecond:  50,
			Burst:          10,
			MaxTries:       5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Loyalty: LoyaltyConfig{
			PointValidityDays: 90,
			ExpiryInterval:    time.Hour,
			Tiers: []TierConfig{
				{Name: "BRONZE", MinPoints: 0},
				{Name: "SILVER", MinPoints: 51},
				{Name: "GOLD", MinPoints: 151},
				{Name: "PLATINUM", MinPoints: 400, PrioritySupport: true},
			},
		},
		Purchase: PurchaseConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			MaxAttempts:  10,
		},
	}
}

// EngineConfigHolder is the single owner of the live EngineConfig.
//
// It is built once at startup from engine.yml (or defaults) and injected
// into every component that needs tunables. A file change replaces the
// whole snapshot atomically after validation; an invalid file keeps the
// previous snapshot. Reset restores DefaultEngineConfig. Readers call Get
// at the start of each operation and must not hold a snapshot across
// sweeper passes or poll cycles.
type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

func NewEngineConfigHolder(cfg Config, log *zap.Logger) (*EngineConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.engine")

	v := viper.New()
	if cfg.EngineConfigPath != "" {
		v.SetConfigFile(cfg.EngineConfigPath)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/hotspotd")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("HOTSPOTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setEngineDefaults(v, DefaultEngineConfig())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		watch = false
		log.Info("engine config file not found, using defaults")
	}

	parsed, err := decodeEngineConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(parsed)

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeEngineConfig(v)
			if err != nil {
				log.Warn("engine config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("engine config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticEngineConfigHolder builds a holder without a backing file.
func NewStaticEngineConfigHolder(cfg EngineConfig) (*EngineConfigHolder, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

// Set validates and swaps in cfg.
func (h *EngineConfigHolder) Set(cfg EngineConfig) error {
	if err := validateEngineConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func (h *EngineConfigHolder) Reset() {
	h.current.Store(DefaultEngineConfig())
}

func decodeEngineConfig(v *viper.Viper) (EngineConfig, error) {
	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode engine config: %w", err)
	}
	if err := validateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func setEngineDefaults(v *viper.Viper, d EngineConfig) {
	v.SetDefault("sweep.interval", d.Sweep.Interval)
	v.SetDefault("sweep.runTimeout", d.Sweep.RunTimeout)
	v.SetDefault("sweep.batchSize", d.Sweep.BatchSize)
	v.SetDefault("sweep.workers", d.Sweep.Workers)
	v.SetDefault("sweep.activationGrace", d.Sweep.ActivationGrace)
	v.SetDefault("session.staleTimeout", d.Session.StaleTimeout)
	v.SetDefault("accounting.dedupTTL", d.Accounting.DedupTTL)
	v.SetDefault("accounting.dedupCapacity", d.Accounting.DedupCapacity)
	v.SetDefault("accounting.ingestRatePerSecond", d.Accounting.IngestRatePerSecond)
	v.SetDefault("accounting.ingestBurst", d.Accounting.IngestBurst)
	v.SetDefault("dispatch.queueSize", d.Dispatch.QueueSize)
	v.SetDefault("dispatch.workers", d.Dispatch.Workers)
	v.SetDefault("dispatch.ratePerSecond", d.Dispatch.RatePerSecond)
	v.SetDefault("dispatch.burst", d.Dispatch.Burst)
	v.SetDefault("dispatch.maxTries", d.Dispatch.MaxTries)
	v.SetDefault("dispatch.initialBackoff", d.Dispatch.InitialBackoff)
	v.SetDefault("dispatch.maxBackoff", d.Dispatch.MaxBackoff)
	v.SetDefault("dispatch.commandTimeout", d.Dispatch.CommandTimeout)
	v.SetDefault("loyalty.pointValidityDays", d.Loyalty.PointValidityDays)
	v.SetDefault("loyalty.expiryInterval", d.Loyalty.ExpiryInterval)
	v.SetDefault("loyalty.tiers", d.Loyalty.Tiers)
	v.SetDefault("purchase.pollInterval", d.Purchase.PollInterval)
	v.SetDefault("purchase.batchSize", d.Purchase.BatchSize)
	v.SetDefault("purchase.maxAttempts", d.Purchase.MaxAttempts)
}

func validateEngineConfig(cfg EngineConfig) error {
	var errs []error
	if cfg.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if cfg.Sweep.RunTimeout <= 0 {
		errs = append(errs, errors.New("sweep.runTimeout must be positive"))
	}
	if cfg.Sweep.BatchSize <= 0 {
		errs = append(errs, errors.New("sweep.batchSize must be positive"))
	}
	if cfg.Sweep.Workers <= 0 {
		errs = append(errs, errors.New("sweep.workers must be positive"))
	}
	if cfg.Sweep.ActivationGrace <= 0 {
		errs = append(errs, errors.New("sweep.activationGrace must be positive"))
	}
	if cfg.Session.StaleTimeout <= 0 {
		errs = append(errs, errors.New("session.staleTimeout must be positive"))
	}
	if cfg.Accounting.DedupTTL <= 0 {
		errs = append(errs, errors.New("accounting.dedupTTL must be positive"))
	}
	if cfg.Accounting.IngestRatePerSecond < 0 || (cfg.Accounting.IngestRatePerSecond > 0 && cfg.Accounting.IngestBurst <= 0) {
		errs = append(errs, errors.New("accounting.ingestBurst must be positive when ingestRatePerSecond is set"))
	}
	if cfg.Dispatch.QueueSize <= 0 || cfg.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.queueSize and dispatch.workers must be positive"))
	}
	if cfg.Dispatch.RatePerSecond <= 0 || cfg.Dispatch.Burst <= 0 {
		errs = append(errs, errors.New("dispatch.ratePerSecond and dispatch.burst must be positive"))
	}
	if cfg.Dispatch.MaxTries == 0 {
		errs = append(errs, errors.New("dispatch.maxTries must be at least 1"))
	}
	if cfg.Loyalty.PointValidityDays <= 0 {
		errs = append(errs, errors.New("loyalty.pointValidityDays must be positive"))
	}
	if cfg.Loyalty.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("loyalty.expiryInterval must be positive"))
	}
	errs = append(errs, validateTiers(cfg.Loyalty.Tiers)...)
	if cfg.Purchase.PollInterval <= 0 || cfg.Purchase.BatchSize <= 0 {
		errs = append(errs, errors.New("purchase.pollInterval and purchase.batchSize must be positive"))
	}
	return errors.Join(errs...)
}

func validateTiers(tiers []TierConfig) []error {
	if len(tiers) == 0 {
		return []error{errors.New("loyalty.tiers must not be empty")}
	}
	var errs []error
	if tiers[0].MinPoints != 0 {
		errs = append(errs, errors.New("loyalty.tiers must start at minPoints 0"))
	}
	seen := make(map[string]bool, len(tiers))
	for i, tier := range tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("loyalty.tiers[%d].name is empty", i))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("loyalty.tiers[%d].name %q is repeated", i, name))
		}
		seen[name] = true
		if i > 0 && tier.MinPoints <= tiers[i-1].MinPoints {
			errs = append(errs, fmt.Errorf("loyalty.tiers[%d].minPoints must be above the previous tier", i))
		}
	}
	return errs
}

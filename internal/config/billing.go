package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	TaxModeExclusive = "exclusive"
	TaxModeInclusive = "inclusive"
)

// BillingConfig is the hot-reloadable part of configuration.
type BillingConfig struct {
	Tax     TaxConfig     `mapstructure:"tax"`
	Invoice InvoiceConfig `mapstructure:"invoice"`
	Lock    LockConfig    `mapstructure:"lock"`
}

// TaxConfig rates are fractions, 0.11 is 11%. OrgRates is keyed by
// organization id.
type TaxConfig struct {
	DefaultRate float64            `mapstructure:"defaultRate"`
	Mode        string             `mapstructure:"mode"`
	OrgRates    map[string]float64 `mapstructure:"orgRates"`
}

type InvoiceConfig struct {
	NumberPrefix string `mapstructure:"numberPrefix"`
}

type LockConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxRetries      uint          `mapstructure:"maxRetries"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Tax: TaxConfig{
			DefaultRate: 0,
			Mode:        TaxModeExclusive,
			OrgRates:    map[string]float64{},
		},
		Invoice: InvoiceConfig{NumberPrefix: "INV"},
		Lock: LockConfig{
			TTL:             30 * time.Second,
			MaxRetries:      5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfig wraps a fixed config without file watching.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/meterly")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return loadBillingConfig(v, log.Named("billing.config"))
}

// NewBillingConfigHolderFromFile reads a specific billing file.
func NewBillingConfigHolderFromFile(path string, log *zap.Logger) (*BillingConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return loadBillingConfig(v, log.Named("billing.config"))
}

func loadBillingConfig(v *viper.Viper, log *zap.Logger) (*BillingConfigHolder, error) {
	defaults := DefaultBillingConfig()
	v.SetDefault("billing.tax.defaultRate", defaults.Tax.DefaultRate)
	v.SetDefault("billing.tax.mode", defaults.Tax.Mode)
	v.SetDefault("billing.invoice.numberPrefix", defaults.Invoice.NumberPrefix)
	v.SetDefault("billing.lock.ttl", defaults.Lock.TTL)
	v.SetDefault("billing.lock.maxRetries", defaults.Lock.MaxRetries)
	v.SetDefault("billing.lock.initialInterval", defaults.Lock.InitialInterval)
	v.SetDefault("billing.lock.maxInterval", defaults.Lock.MaxInterval)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfig(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("billing config reload rejected", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodeBillingConfig overlays the billing map onto DefaultBillingConfig, so
// keys the file omits keep their defaults.
func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.Tax.DefaultRate < 0 || cfg.Tax.DefaultRate > 1 {
		return errors.New("billing.tax.defaultRate must be within [0, 1]")
	}
	for org, rate := range cfg.Tax.OrgRates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("billing.tax.orgRates.%s must be within [0, 1]", org)
		}
	}
	switch cfg.Tax.Mode {
	case TaxModeExclusive, TaxModeInclusive:
	default:
		return fmt.Errorf("billing.tax.mode %q is not supported", cfg.Tax.Mode)
	}
	if strings.TrimSpace(cfg.Invoice.NumberPrefix) == "" {
		return errors.New("billing.invoice.numberPrefix cannot be empty")
	}
	if cfg.Lock.TTL <= 0 {
		return errors.New("billing.lock.ttl must be positive")
	}
	return nil
}

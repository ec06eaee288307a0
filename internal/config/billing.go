package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InsufficientBalancePolicy selects how the engine reacts to charges that
// exceed the account balance.
type InsufficientBalancePolicy string

const (
	// PolicySoft lets the charge proceed into a negative balance and only
	// flags the result for external notification.
	PolicySoft InsufficientBalancePolicy = "soft"
	// PolicyHard refuses the charge without writing anything.
	PolicyHard InsufficientBalancePolicy = "hard"
)

// BillingConfig holds the billing policy knobs that operators may tune at
// runtime without a restart.
type BillingConfig struct {
	Policy InsufficientBalancePolicy `mapstructure:"policy"`

	// FloorCredits, when set, bounds the soft policy: charges that would
	// push the balance below the floor are refused.
	FloorCredits *int64 `mapstructure:"floorCredits"`

	DefaultUnitSeconds int64 `mapstructure:"defaultUnitSeconds"`
	DefaultRatePerUnit int64 `mapstructure:"defaultRatePerUnit"`

	AutoRepair     bool          `mapstructure:"autoRepair"`
	VerifyInterval time.Duration `mapstructure:"verifyInterval"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Policy:             PolicySoft,
		FloorCredits:       nil,
		DefaultUnitSeconds: 60,
		DefaultRatePerUnit: 1,
		AutoRepair:         true,
		VerifyInterval:     5 * time.Minute,
	}
}

// BillingConfigHolder exposes the current billing config and hot-reloads it
// when the underlying file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterbill/config")
	v.AddConfigPath("/etc/meterbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.policy", string(defaults.Policy))
	v.SetDefault("billing.defaultUnitSeconds", defaults.DefaultUnitSeconds)
	v.SetDefault("billing.defaultRatePerUnit", defaults.DefaultRatePerUnit)
	v.SetDefault("billing.autoRepair", defaults.AutoRepair)
	v.SetDefault("billing.verifyInterval", defaults.VerifyInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, bypassing viper. Used
// by tests that need to pin a policy.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// Store replaces the current config. Exposed for tests that flip policies
// mid-scenario.
func (h *BillingConfigHolder) Store(cfg BillingConfig) {
	h.current.Store(cfg)
}

func validateBillingConfig(cfg BillingConfig) error {
	switch cfg.Policy {
	case PolicySoft, PolicyHard:
	default:
		return errors.New("billing.policy must be soft or hard")
	}
	if cfg.DefaultUnitSeconds <= 0 {
		return errors.New("billing.defaultUnitSeconds must be positive")
	}
	if cfg.DefaultRatePerUnit <= 0 {
		return errors.New("billing.defaultRatePerUnit must be positive")
	}
	if cfg.VerifyInterval <= 0 {
		return errors.New("billing.verifyInterval must be positive")
	}
	return nil
}

package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ProgramConfig holds affiliate program settings that operators may tune at runtime.
type ProgramConfig struct {
	DefaultCommissionRate decimal.Decimal `mapstructure:"-"`
	CommissionRate        string          `mapstructure:"defaultCommissionRate"`
	CodeLength            int             `mapstructure:"codeLength"`
	CodeMaxAttempts       int             `mapstructure:"codeMaxAttempts"`
	AccessCodeLength      int             `mapstructure:"accessCodeLength"`
	MinPayoutAmount       int64           `mapstructure:"minPayoutAmount"`
	Currency              string          `mapstructure:"currency"`
}

func DefaultProgramConfig() ProgramConfig {
	return ProgramConfig{
		DefaultCommissionRate: decimal.NewFromInt(40),
		CommissionRate:        "40",
		CodeLength:            8,
		CodeMaxAttempts:       10,
		AccessCodeLength:      10,
		MinPayoutAmount:       0,
		Currency:              "BRL",
	}
}

type ProgramConfigHolder struct {
	current atomic.Value // holds ProgramConfig
}

// NewStaticProgramConfigHolder returns a holder that never reloads.
func NewStaticProgramConfigHolder(cfg ProgramConfig) *ProgramConfigHolder {
	holder := &ProgramConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewProgramConfigHolder() (*ProgramConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("program")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/affiliate/config")
	v.AddConfigPath("/etc/affiliate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AFFILIATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProgramConfig()
	v.SetDefault("program.defaultCommissionRate", defaults.CommissionRate)
	v.SetDefault("program.codeLength", defaults.CodeLength)
	v.SetDefault("program.codeMaxAttempts", defaults.CodeMaxAttempts)
	v.SetDefault("program.accessCodeLength", defaults.AccessCodeLength)
	v.SetDefault("program.minPayoutAmount", defaults.MinPayoutAmount)
	v.SetDefault("program.currency", defaults.Currency)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeProgramConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticProgramConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeProgramConfig(v)
		if err != nil {
			log.Printf("[program-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[program-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ProgramConfigHolder) Get() ProgramConfig {
	if h == nil {
		return DefaultProgramConfig()
	}
	cfg, ok := h.current.Load().(ProgramConfig)
	if !ok {
		return DefaultProgramConfig()
	}
	return cfg
}

func decodeProgramConfig(v *viper.Viper) (ProgramConfig, error) {
	var cfg ProgramConfig
	if err := v.UnmarshalKey("program", &cfg); err != nil {
		return ProgramConfig{}, err
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.CommissionRate))
	if err != nil {
		return ProgramConfig{}, errors.New("program.defaultCommissionRate must be a number")
	}
	cfg.DefaultCommissionRate = rate
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if err := validateProgramConfig(cfg); err != nil {
		return ProgramConfig{}, err
	}
	return cfg, nil
}

func validateProgramConfig(cfg ProgramConfig) error {
	if cfg.DefaultCommissionRate.LessThanOrEqual(decimal.Zero) || cfg.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("program.defaultCommissionRate must be in (0, 100]")
	}
	if cfg.CodeLength < 6 || cfg.CodeLength > 16 {
		return errors.New("program.codeLength must be between 6 and 16")
	}
	if cfg.CodeMaxAttempts <= 0 {
		return errors.New("program.codeMaxAttempts must be positive")
	}
	if cfg.AccessCodeLength < 8 {
		return errors.New("program.accessCodeLength must be at least 8")
	}
	if cfg.MinPayoutAmount < 0 {
		return errors.New("program.minPayoutAmount cannot be negative")
	}
	if len(cfg.Currency) != 3 {
		return errors.New("program.currency must be an ISO 4217 code")
	}
	return nil
}

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

// BillingConfig holds the operator-tunable pricing parameters. Monetary
// values are in BRL.
type BillingConfig struct {
	// CreditUnit is the number of credits priced at CreditUnitPrice.
	CreditUnit int64 `mapstructure:"creditUnit"`
	// CreditUnitPrice is the price of one CreditUnit block of credits.
	CreditUnitPrice float64 `mapstructure:"creditUnitPrice"`
	// WhatsAppSurcharge is added to the subscription price of teams with a
	// connected official WhatsApp channel.
	WhatsAppSurcharge float64 `mapstructure:"whatsAppSurcharge"`
	// LowBalanceThreshold is the credit balance below which teams are alerted.
	LowBalanceThreshold int64 `mapstructure:"lowBalanceThreshold"`
	// SubscriptionDescription is the base description on renewal charges.
	SubscriptionDescription string `mapstructure:"subscriptionDescription"`
	// SubscriptionDescriptionWhatsApp replaces the base description when the
	// WhatsApp surcharge applies.
	SubscriptionDescriptionWhatsApp string `mapstructure:"subscriptionDescriptionWhatsApp"`
	// BillingTimezone anchors the monthly cycle day and period keys.
	BillingTimezone string `mapstructure:"billingTimezone"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreditUnit:                      500,
		CreditUnitPrice:                 40.00,
		WhatsAppSurcharge:               100.00,
		LowBalanceThreshold:             100,
		SubscriptionDescription:         "Assinatura AdvAI",
		SubscriptionDescriptionWhatsApp: "Assinatura AdvAI + Conexão WhatsApp Oficial",
		BillingTimezone:                 "America/Sao_Paulo",
	}
}

// UnitPrice returns the credit unit price as a decimal.
func (c BillingConfig) UnitPrice() decimal.Decimal {
	return decimal.NewFromFloat(c.CreditUnitPrice)
}

// Surcharge returns the WhatsApp surcharge as a decimal.
func (c BillingConfig) Surcharge() decimal.Decimal {
	return decimal.NewFromFloat(c.WhatsAppSurcharge)
}

// CreditPrice computes the charge amount for a credit purchase:
// (credits / creditUnit) * creditUnitPrice.
func (c BillingConfig) CreditPrice(credits int64) decimal.Decimal {
	return decimal.NewFromInt(credits).
		Div(decimal.NewFromInt(c.CreditUnit)).
		Mul(c.UnitPrice()).
		Round(2)
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolderFrom builds a holder around a fixed config. Used in
// tests and anywhere hot reload is not wanted.
func NewBillingConfigHolderFrom(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/advai/config")
	v.AddConfigPath("/etc/advai")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ADVAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.creditUnit", defaults.CreditUnit)
	v.SetDefault("billing.creditUnitPrice", defaults.CreditUnitPrice)
	v.SetDefault("billing.whatsAppSurcharge", defaults.WhatsAppSurcharge)
	v.SetDefault("billing.lowBalanceThreshold", defaults.LowBalanceThreshold)
	v.SetDefault("billing.subscriptionDescription", defaults.SubscriptionDescription)
	v.SetDefault("billing.subscriptionDescriptionWhatsApp", defaults.SubscriptionDescriptionWhatsApp)
	v.SetDefault("billing.billingTimezone", defaults.BillingTimezone)

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

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CreditUnit <= 0 {
		return errors.New("billing.creditUnit must be positive")
	}
	if cfg.CreditUnitPrice <= 0 {
		return errors.New("billing.creditUnitPrice must be positive")
	}
	if cfg.WhatsAppSurcharge < 0 {
		return errors.New("billing.whatsAppSurcharge cannot be negative")
	}
	if cfg.LowBalanceThreshold < 0 {
		return errors.New("billing.lowBalanceThreshold cannot be negative")
	}
	if cfg.BillingTimezone == "" {
		return errors.New("billing.billingTimezone cannot be empty")
	}
	return nil
}

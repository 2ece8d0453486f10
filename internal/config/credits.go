package config

import (
	"time"

	"github.com/spf13/viper"
)

// CreditConfig holds the credit economy parameters.
type CreditConfig struct {
	AppointmentCost int64            // credits debited from the patient per booking
	CreditValue     float64          // monetary value of one credit
	FeeRate         float64          // platform fee rate taken from payouts
	PlanCredits     map[string]int64 // monthly grant per subscription plan
	SlotCacheTTL    time.Duration
	SlotDaysAhead   int
}

// LoadCreditConfig returns the credit economy configuration with defaults.
func LoadCreditConfig() *CreditConfig {
	viper.SetDefault("credits.appointment_cost", 2)
	viper.SetDefault("credits.credit_value", 1.0)
	viper.SetDefault("credits.fee_rate", 0.2)
	viper.SetDefault("credits.plan_free_user", 2)
	viper.SetDefault("credits.plan_standard", 10)
	viper.SetDefault("credits.plan_premium", 24)
	viper.SetDefault("slots.cache_ttl", time.Minute)
	viper.SetDefault("slots.days_ahead", 4)

	return &CreditConfig{
		AppointmentCost: viper.GetInt64("credits.appointment_cost"),
		CreditValue:     viper.GetFloat64("credits.credit_value"),
		FeeRate:         viper.GetFloat64("credits.fee_rate"),
		PlanCredits: map[string]int64{
			"free_user": viper.GetInt64("credits.plan_free_user"),
			"standard":  viper.GetInt64("credits.plan_standard"),
			"premium":   viper.GetInt64("credits.plan_premium"),
		},
		SlotCacheTTL:  viper.GetDuration("slots.cache_ttl"),
		SlotDaysAhead: viper.GetInt("slots.days_ahead"),
	}
}

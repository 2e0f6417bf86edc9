package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/params"
)

// Config holds the fill model and order limits in ledger precision.
type Config struct {
	SlippageFactor        decimal.Decimal
	MarketImpactFactor    decimal.Decimal
	CommissionPerShare    decimal.Decimal
	MinCommission         decimal.Decimal
	MaxCommissionPct      decimal.Decimal
	MinOrderSize          decimal.Decimal
	MaxOrderSize          decimal.Decimal
	BuyingPowerMultiplier decimal.Decimal

	// LockTimeout bounds how long quote-driven fills wait on an account
	LockTimeout time.Duration
}

// ConfigFrom converts the loaded execution parameters.
func ConfigFrom(p params.Execution) Config {
	return Config{
		SlippageFactor:        decimal.NewFromFloat(p.SlippageFactor),
		MarketImpactFactor:    decimal.NewFromFloat(p.MarketImpactFactor),
		CommissionPerShare:    decimal.NewFromFloat(p.CommissionPerShare),
		MinCommission:         decimal.NewFromFloat(p.MinCommission),
		MaxCommissionPct:      decimal.NewFromFloat(p.MaxCommissionPct),
		MinOrderSize:          decimal.NewFromFloat(p.MinOrderSize),
		MaxOrderSize:          decimal.NewFromFloat(p.MaxOrderSize),
		BuyingPowerMultiplier: decimal.NewFromFloat(p.BuyingPowerMultiplier),
		LockTimeout:           2 * time.Second,
	}
}

// DefaultConfig is ConfigFrom(params.Default().Execution).
func DefaultConfig() Config {
	return ConfigFrom(params.Default().Execution)
}

func (c Config) validate() error {
	if c.SlippageFactor.IsNegative() || c.MarketImpactFactor.IsNegative() {
		return fmt.Errorf("slippage factors must be non-negative")
	}
	if c.MinCommission.IsNegative() || c.CommissionPerShare.IsNegative() || c.MaxCommissionPct.IsNegative() {
		return fmt.Errorf("commission parameters must be non-negative")
	}
	if !c.MinOrderSize.IsPositive() || c.MaxOrderSize.LessThan(c.MinOrderSize) {
		return fmt.Errorf("invalid order size range [%s, %s]", c.MinOrderSize, c.MaxOrderSize)
	}
	if !c.BuyingPowerMultiplier.IsPositive() {
		return fmt.Errorf("buying power multiplier must be positive")
	}
	return nil
}

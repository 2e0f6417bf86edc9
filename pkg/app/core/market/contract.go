package market

import (
	"fmt"
	"sync"
	"time"
)

// SecType is the security type of a contract
type SecType string

const (
	Stock  SecType = "STK"
	Option SecType = "OPT"
	Future SecType = "FUT"
	Cash   SecType = "CASH"
)

// Status defines the trading status of a contract
type Status int8

const (
	Active Status = iota // normal trading
	Halted               // quotes continue, orders rejected
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Contract is a tradable instrument.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         SecType
	Exchange        string
	PrimaryExchange string
	Currency        string
	LocalSymbol     string
	TradingClass    string
	LongName        string
	Multiplier      int64   // 1 for stock, 100 for equity options
	MinTick         float64 // minimum price increment

	// Options only
	UnderlyingConID int64
	Expiry          string // YYYYMMDD
	Strike          float64
	Right           string // C or P

	// Simulation seed parameters
	InitialPrice float64
	Volatility   float64 // annualized

	Status Status
}

// IsOption returns true for option contracts
func (c *Contract) IsOption() bool {
	return c.SecType == Option
}

// ExpiryTime parses Expiry as market close (16:00 New York) on that date.
func (c *Contract) ExpiryTime() (time.Time, error) {
	d, err := time.ParseInLocation("20060102", c.Expiry, newYork())
	if err != nil {
		return time.Time{}, fmt.Errorf("bad expiry %q: %w", c.Expiry, err)
	}
	return d.Add(16 * time.Hour), nil
}

// Validate checks static contract parameters
func (c *Contract) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("contract symbol required")
	}
	switch c.SecType {
	case Stock, Future, Cash:
	case Option:
		if c.Strike <= 0 {
			return fmt.Errorf("option %s: strike must be positive", c.Symbol)
		}
		if c.Right != "C" && c.Right != "P" {
			return fmt.Errorf("option %s: right must be C or P, got %q", c.Symbol, c.Right)
		}
		if _, err := c.ExpiryTime(); err != nil {
			return fmt.Errorf("option %s: %w", c.Symbol, err)
		}
	default:
		return fmt.Errorf("unsupported sec type %q", c.SecType)
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("contract %s: multiplier must be positive", c.Symbol)
	}
	return nil
}

// OptionLocalSymbol formats the OCC-style local symbol, e.g.
// "AAPL  261218C00190000".
func OptionLocalSymbol(symbol, expiry, right string, strike float64) string {
	yymmdd := expiry
	if len(expiry) == 8 {
		yymmdd = expiry[2:]
	}
	return fmt.Sprintf("%-6s%s%s%08d", symbol, yymmdd, right, int64(strike*1000+0.5))
}

var newYork = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
})

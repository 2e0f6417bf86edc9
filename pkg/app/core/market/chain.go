package market

import (
	"math"
	"time"
)

const (
	chainExpirations = 4
	chainStrikesEach = 10 // strikes on each side of spot
)

// Chain lists the option expirations and strikes offered on an underlying.
type Chain struct {
	UnderlyingConID int64
	TradingClass    string
	Multiplier      int64
	Expirations     []string // YYYYMMDD, ascending
	Strikes         []float64
}

// StrikeStep returns the strike spacing used at a given underlying price.
func StrikeStep(spot float64) float64 {
	switch {
	case spot < 25:
		return 1
	case spot < 100:
		return 2.5
	case spot < 500:
		return 5
	default:
		return 10
	}
}

// OptionChain builds the monthly chain for under: the next four third-Friday
// expirations after now, and strikes centred on spot.
func OptionChain(under *Contract, spot float64, now time.Time) Chain {
	c := Chain{
		UnderlyingConID: under.ConID,
		TradingClass:    under.Symbol,
		Multiplier:      100,
	}

	now = now.In(newYork())
	y, m := now.Year(), now.Month()
	for len(c.Expirations) < chainExpirations {
		exp := thirdFriday(y, m)
		if exp.Add(16 * time.Hour).After(now) {
			c.Expirations = append(c.Expirations, exp.Format("20060102"))
		}
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}

	if spot <= 0 {
		spot = under.InitialPrice
	}
	step := StrikeStep(spot)
	atm := math.Round(spot/step) * step
	for i := -chainStrikesEach; i <= chainStrikesEach; i++ {
		k := atm + float64(i)*step
		if k > 0 {
			c.Strikes = append(c.Strikes, k)
		}
	}
	return c
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, newYork())
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

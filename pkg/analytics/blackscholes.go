// Package analytics prices European options with Black-Scholes.
// Everything here is pure.
package analytics

import (
	"errors"
	"math"
)

// ErrNoConvergence is returned when an implied volatility search fails.
var ErrNoConvergence = errors.New("implied volatility did not converge")

// Inputs to a pricing run. T is in years, Rate and Vol are annualized
// decimals (0.05 = 5%).
type Inputs struct {
	Spot   float64
	Strike float64
	T      float64
	Rate   float64
	Vol    float64
	Call   bool
}

// Greeks is a price and its sensitivities. Theta is per calendar day, Vega
// and Rho per one point (1%) move. IV echoes the volatility used.
type Greeks struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
	IV    float64
}

func normCDF(x float64) float64 { return 0.5 * math.Erfc(-x/math.Sqrt2) }

func normPDF(x float64) float64 { return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi) }

// Compute prices the option and its greeks. At or past expiry, or with no
// volatility, the option is worth its (discounted) intrinsic value.
func Compute(in Inputs) Greeks {
	if in.Spot <= 0 || in.Strike <= 0 {
		return Greeks{IV: in.Vol}
	}
	if in.T <= 0 || in.Vol <= 0 {
		return intrinsic(in)
	}

	sqrtT := math.Sqrt(in.T)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Vol*in.Vol)*in.T) / (in.Vol * sqrtT)
	d2 := d1 - in.Vol*sqrtT
	disc := math.Exp(-in.Rate * in.T)
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: pdf / (in.Spot * in.Vol * sqrtT),
		Vega:  in.Spot * pdf * sqrtT / 100,
		IV:    in.Vol,
	}
	decay := -in.Spot * pdf * in.Vol / (2 * sqrtT)
	if in.Call {
		g.Price = in.Spot*normCDF(d1) - in.Strike*disc*normCDF(d2)
		g.Delta = normCDF(d1)
		g.Theta = (decay - in.Rate*in.Strike*disc*normCDF(d2)) / 365
		g.Rho = in.Strike * in.T * disc * normCDF(d2) / 100
	} else {
		g.Price = in.Strike*disc*normCDF(-d2) - in.Spot*normCDF(-d1)
		g.Delta = normCDF(d1) - 1
		g.Theta = (decay + in.Rate*in.Strike*disc*normCDF(-d2)) / 365
		g.Rho = -in.Strike * in.T * disc * normCDF(-d2) / 100
	}
	return g
}

func intrinsic(in Inputs) Greeks {
	strike := in.Strike
	if in.T > 0 {
		strike *= math.Exp(-in.Rate * in.T)
	}
	g := Greeks{IV: in.Vol}
	switch {
	case in.Call && in.Spot > strike:
		g.Price, g.Delta = in.Spot-strike, 1
	case !in.Call && in.Spot < strike:
		g.Price, g.Delta = strike-in.Spot, -1
	}
	return g
}

// ImpliedVol finds the volatility at which the model price equals price,
// using Newton steps with a bisection fallback.
func ImpliedVol(in Inputs, price float64) (float64, error) {
	if in.T <= 0 || price <= intrinsic(in).Price {
		return 0, ErrNoConvergence
	}
	lo, hi := 1e-4, 5.0
	vol := 0.3
	for i := 0; i < 100; i++ {
		in.Vol = vol
		g := Compute(in)
		diff := g.Price - price
		if math.Abs(diff) < 1e-8 {
			return vol, nil
		}
		if diff > 0 {
			hi = vol
		} else {
			lo = vol
		}
		next := vol
		if vega := g.Vega * 100; vega > 1e-10 {
			next = vol - diff/vega
		}
		if next <= lo || next >= hi {
			next = (lo + hi) / 2
		}
		vol = next
	}
	return 0, ErrNoConvergence
}

// YearFraction converts a duration in seconds to years (365-day basis).
func YearFraction(seconds float64) float64 {
	return seconds / (365 * 24 * 3600)
}

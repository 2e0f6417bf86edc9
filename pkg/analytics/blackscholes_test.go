package analytics

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestComputeKnownValues(t *testing.T) {
	// Hull, S=42 K=40 r=10% σ=20% T=0.5
	in := Inputs{Spot: 42, Strike: 40, T: 0.5, Rate: 0.1, Vol: 0.2, Call: true}
	call := Compute(in)
	if !near(call.Price, 4.76, 0.01) {
		t.Errorf("call price: got %v, want ~4.76", call.Price)
	}
	if !near(call.Delta, 0.7791, 0.001) {
		t.Errorf("call delta: got %v, want ~0.7791", call.Delta)
	}

	in.Call = false
	put := Compute(in)
	if !near(put.Price, 0.81, 0.01) {
		t.Errorf("put price: got %v, want ~0.81", put.Price)
	}
	if !near(put.Delta, call.Delta-1, 1e-12) {
		t.Errorf("put delta: got %v, want %v", put.Delta, call.Delta-1)
	}
	if call.Gamma != put.Gamma || call.Vega != put.Vega {
		t.Errorf("gamma/vega differ between call and put")
	}
	if call.Theta >= 0 {
		t.Errorf("expected negative call theta, got %v", call.Theta)
	}
}

func TestComputeAtExpiry(t *testing.T) {
	tests := []struct {
		name      string
		in        Inputs
		wantPrice float64
		wantDelta float64
	}{
		{name: "itm call", in: Inputs{Spot: 110, Strike: 100, Call: true}, wantPrice: 10, wantDelta: 1},
		{name: "otm call", in: Inputs{Spot: 90, Strike: 100, Call: true}, wantPrice: 0, wantDelta: 0},
		{name: "itm put", in: Inputs{Spot: 90, Strike: 100}, wantPrice: 10, wantDelta: -1},
		{name: "otm put", in: Inputs{Spot: 110, Strike: 100}, wantPrice: 0, wantDelta: 0},
		{name: "no spot", in: Inputs{Strike: 100, T: 1, Vol: 0.2, Call: true}, wantPrice: 0, wantDelta: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Compute(tt.in)
			if g.Price != tt.wantPrice || g.Delta != tt.wantDelta {
				t.Errorf("got price %v delta %v, want %v %v", g.Price, g.Delta, tt.wantPrice, tt.wantDelta)
			}
		})
	}
}

func TestPutCallParity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := Inputs{
			Spot:   rapid.Float64Range(1, 1000).Draw(t, "spot"),
			Strike: rapid.Float64Range(1, 1000).Draw(t, "strike"),
			T:      rapid.Float64Range(0.01, 3).Draw(t, "t"),
			Rate:   rapid.Float64Range(0, 0.1).Draw(t, "rate"),
			Vol:    rapid.Float64Range(0.05, 1.5).Draw(t, "vol"),
		}
		in.Call = true
		c := Compute(in)
		in.Call = false
		p := Compute(in)

		lhs := c.Price - p.Price
		rhs := in.Spot - in.Strike*math.Exp(-in.Rate*in.T)
		if !near(lhs, rhs, 1e-6*math.Max(1, in.Spot)) {
			t.Fatalf("parity broken: C-P=%v, S-Ke^-rT=%v", lhs, rhs)
		}
		if c.Delta < 0 || c.Delta > 1 || p.Delta < -1 || p.Delta > 0 {
			t.Fatalf("delta out of range: call %v put %v", c.Delta, p.Delta)
		}
	})
}

func TestImpliedVolRecoversInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := Inputs{
			Spot:   100,
			Strike: rapid.Float64Range(70, 130).Draw(t, "strike"),
			T:      rapid.Float64Range(0.1, 2).Draw(t, "t"),
			Rate:   0.05,
			Vol:    rapid.Float64Range(0.1, 0.8).Draw(t, "vol"),
			Call:   rapid.Bool().Draw(t, "call"),
		}
		price := Compute(in).Price
		if price-intrinsic(in).Price < 1e-6 {
			t.Skip("no time value to invert")
		}
		iv, err := ImpliedVol(in, price)
		if err != nil {
			t.Fatalf("implied vol: %v", err)
		}
		if !near(iv, in.Vol, 1e-4) {
			t.Fatalf("got iv %v, want %v", iv, in.Vol)
		}
	})
}

func TestImpliedVolBelowIntrinsic(t *testing.T) {
	in := Inputs{Spot: 120, Strike: 100, T: 1, Rate: 0.05, Call: true}
	if _, err := ImpliedVol(in, 1); err != ErrNoConvergence {
		t.Errorf("expected ErrNoConvergence, got %v", err)
	}
}

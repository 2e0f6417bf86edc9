package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// FirstConID is the first contract id handed out by a registry.
const FirstConID int64 = 1000

// ErrNotFound is returned when no contract matches a lookup.
var ErrNotFound = errors.New("contract not found")

// Query describes a contract the way a client names one: by id, or by
// symbol and type (plus expiry/strike/right for options).
type Query struct {
	ConID    int64
	Symbol   string
	SecType  SecType
	Currency string
	Expiry   string
	Strike   float64
	Right    string
}

// ContractRegistry manages every known contract in a thread-safe manner.
// Underlyings are registered at startup; option contracts are registered on
// demand the first time a client names one.
type ContractRegistry struct {
	mu       sync.RWMutex
	nextID   int64
	byID     map[int64]*Contract
	bySymbol map[string]*Contract // "SYMBOL/SECTYPE" for non-options
	options  map[string]*Contract // OCC local symbol
	watchers []func(*Contract)
}

// NewContractRegistry creates an empty registry
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{
		nextID:   FirstConID,
		byID:     make(map[int64]*Contract),
		bySymbol: make(map[string]*Contract),
		options:  make(map[string]*Contract),
	}
}

func symbolKey(symbol string, st SecType) string {
	return strings.ToUpper(symbol) + "/" + string(st)
}

// RegisterContract validates c, assigns the next contract id and stores it.
// Returns error if a contract with the same symbol and type already exists.
func (cr *ContractRegistry) RegisterContract(c Contract) (*Contract, error) {
	if c.Multiplier == 0 {
		c.Multiplier = 1
	}
	if c.MinTick == 0 {
		c.MinTick = 0.01
	}
	if c.Exchange == "" {
		c.Exchange = "SMART"
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.LocalSymbol == "" {
		c.LocalSymbol = c.Symbol
	}
	if c.TradingClass == "" {
		c.TradingClass = c.Symbol
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cr.mu.Lock()
	if c.IsOption() {
		if _, exists := cr.options[c.LocalSymbol]; exists {
			cr.mu.Unlock()
			return nil, fmt.Errorf("option %s already registered", c.LocalSymbol)
		}
	} else if _, exists := cr.bySymbol[symbolKey(c.Symbol, c.SecType)]; exists {
		cr.mu.Unlock()
		return nil, fmt.Errorf("contract %s %s already registered", c.Symbol, c.SecType)
	}

	c.ConID = cr.nextID
	cr.nextID++
	stored := &c
	cr.byID[c.ConID] = stored
	if c.IsOption() {
		cr.options[c.LocalSymbol] = stored
	} else {
		cr.bySymbol[symbolKey(c.Symbol, c.SecType)] = stored
	}
	watchers := cr.watchers
	cr.mu.Unlock()

	for _, fn := range watchers {
		fn(stored)
	}
	return stored, nil
}

// Watch registers fn to be called with every contract registered from now
// on, after the registry lock is released.
func (cr *ContractRegistry) Watch(fn func(*Contract)) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.watchers = append(cr.watchers[:len(cr.watchers):len(cr.watchers)], fn)
}

// GetContract retrieves a contract by id
func (cr *ContractRegistry) GetContract(conID int64) (*Contract, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	c, exists := cr.byID[conID]
	if !exists {
		return nil, fmt.Errorf("%w: conId %d", ErrNotFound, conID)
	}
	return c, nil
}

// Lookup finds a non-option contract by symbol and type. An empty type means STK.
func (cr *ContractRegistry) Lookup(symbol string, st SecType) (*Contract, error) {
	if st == "" {
		st = Stock
	}
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	c, exists := cr.bySymbol[symbolKey(symbol, st)]
	if !exists {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, symbol, st)
	}
	return c, nil
}

// Resolve maps a client query to a contract. Options on a known underlying
// are created on first use when the strike/expiry pair is on its chain grid.
func (cr *ContractRegistry) Resolve(q Query) (*Contract, error) {
	if q.ConID > 0 {
		return cr.GetContract(q.ConID)
	}
	if q.SecType != Option {
		c, err := cr.Lookup(q.Symbol, q.SecType)
		if err != nil {
			return nil, err
		}
		if q.Currency != "" && !strings.EqualFold(q.Currency, c.Currency) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, q.Symbol, q.Currency)
		}
		return c, nil
	}

	under, err := cr.Lookup(q.Symbol, Stock)
	if err != nil {
		return nil, err
	}
	if q.Expiry == "" || q.Strike <= 0 || (q.Right != "C" && q.Right != "P") {
		return nil, fmt.Errorf("%w: incomplete option %s %s %v %s", ErrNotFound, q.Symbol, q.Expiry, q.Strike, q.Right)
	}
	return cr.Option(under, q.Expiry, q.Strike, q.Right)
}

// Option returns the option on under, registering it if this is the first
// request for it.
func (cr *ContractRegistry) Option(under *Contract, expiry string, strike float64, right string) (*Contract, error) {
	local := OptionLocalSymbol(under.Symbol, expiry, right, strike)

	cr.mu.RLock()
	c, exists := cr.options[local]
	cr.mu.RUnlock()
	if exists {
		return c, nil
	}

	c, err := cr.RegisterContract(Contract{
		Symbol:          under.Symbol,
		SecType:         Option,
		Exchange:        under.Exchange,
		Currency:        under.Currency,
		LocalSymbol:     local,
		TradingClass:    under.Symbol,
		LongName:        fmt.Sprintf("%s %s %g %s", under.Symbol, expiry, strike, right),
		Multiplier:      100,
		MinTick:         0.01,
		UnderlyingConID: under.ConID,
		Expiry:          expiry,
		Strike:          strike,
		Right:           right,
		Volatility:      under.Volatility,
	})
	if err != nil {
		// lost a registration race
		cr.mu.RLock()
		c, exists = cr.options[local]
		cr.mu.RUnlock()
		if exists {
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

// ListContracts returns all registered contracts ordered by id
func (cr *ContractRegistry) ListContracts() []*Contract {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	out := make([]*Contract, 0, len(cr.byID))
	for _, c := range cr.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConID < out[j].ConID })
	return out
}

// Underlyings returns every non-option contract ordered by id
func (cr *ContractRegistry) Underlyings() []*Contract {
	all := cr.ListContracts()
	out := all[:0]
	for _, c := range all {
		if !c.IsOption() {
			out = append(out, c)
		}
	}
	return out
}

// UpdateStatus changes the trading status of a contract. Pointers handed
// out earlier keep the old status.
func (cr *ContractRegistry) UpdateStatus(conID int64, status Status) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, exists := cr.byID[conID]
	if !exists {
		return fmt.Errorf("%w: conId %d", ErrNotFound, conID)
	}
	// contracts are shared read-only; swap in a copy
	updated := *c
	updated.Status = status
	cr.byID[conID] = &updated
	if c.IsOption() {
		cr.options[c.LocalSymbol] = &updated
	} else {
		cr.bySymbol[symbolKey(c.Symbol, c.SecType)] = &updated
	}
	return nil
}

// Count returns the total number of registered contracts
func (cr *ContractRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.byID)
}

// RoundToTick rounds price to the contract's minimum tick
func (c *Contract) RoundToTick(price float64) float64 {
	if c.MinTick <= 0 {
		return price
	}
	return math.Round(price/c.MinTick) * c.MinTick
}

// Package auth resolves login credentials to broker accounts.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/crypto"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAnonymousDisabled is returned for an empty login when anonymous access is off.
	ErrAnonymousDisabled = errors.New("anonymous login disabled")
)

// Identity is the result of a successful login.
type Identity struct {
	Username     string
	AccountCode  string
	AccountType  string
	BaseCurrency string
}

type entry struct {
	identity Identity
	hash     string
}

// Registry holds the configured logins. Safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	byUser         map[string]entry
	defaultUser    string
	allowAnonymous bool
}

// NewRegistry hashes any plaintext passwords in accounts. cost 0 means bcrypt's
// default.
func NewRegistry(cfg params.Auth, cost int) (*Registry, error) {
	r := &Registry{
		byUser:         make(map[string]entry, len(cfg.Accounts)),
		allowAnonymous: cfg.AllowAnonymous,
	}
	for _, a := range cfg.Accounts {
		if err := r.add(a, cost); err != nil {
			return nil, err
		}
		if r.defaultUser == "" {
			r.defaultUser = a.Username
		}
	}
	return r, nil
}

func (r *Registry) add(a params.Account, cost int) error {
	if _, dup := r.byUser[a.Username]; dup {
		return fmt.Errorf("duplicate username %q", a.Username)
	}
	hash := a.PasswordHash
	if hash == "" {
		h, err := crypto.HashPassword(a.Password, cost)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.AccountID, err)
		}
		hash = h
	} else if !crypto.IsHash(hash) {
		return fmt.Errorf("account %s: password_hash is not a bcrypt hash", a.AccountID)
	}
	currency := a.BaseCurrency
	if currency == "" {
		currency = "USD"
	}
	r.byUser[a.Username] = entry{
		identity: Identity{
			Username:     a.Username,
			AccountCode:  a.AccountID,
			AccountType:  a.AccountType,
			BaseCurrency: currency,
		},
		hash: hash,
	}
	return nil
}

// Authenticate checks a username/password pair. An empty username is an
// anonymous login and maps to the first configured account when allowed.
func (r *Registry) Authenticate(username, password string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if username == "" && password == "" {
		if !r.allowAnonymous {
			return Identity{}, ErrAnonymousDisabled
		}
		return r.byUser[r.defaultUser].identity, nil
	}

	e, ok := r.byUser[username]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if err := crypto.VerifyPassword(e.hash, password); err != nil {
		if errors.Is(err, crypto.ErrMismatch) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}
	return e.identity, nil
}

// Identities returns every configured identity sorted by account code.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, e.identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountCode < out[j].AccountCode })
	return out
}

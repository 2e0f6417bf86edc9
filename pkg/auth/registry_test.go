package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/crypto"
)

func testAuth(t *testing.T, anonymous bool) *Registry {
	t.Helper()
	hash, err := crypto.HashPassword("bobpw", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(params.Auth{
		AllowAnonymous: anonymous,
		Accounts: []params.Account{
			{Username: "alice", Password: "alicepw", AccountID: "DU0001", AccountType: "PAPER", InitialBalance: 100000},
			{Username: "bob", PasswordHash: hash, AccountID: "U0002", AccountType: "LIVE", BaseCurrency: "EUR"},
		},
	}, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	r := testAuth(t, false)

	tests := []struct {
		name     string
		user     string
		pass     string
		wantCode string
		wantErr  error
	}{
		{"plaintext config", "alice", "alicepw", "DU0001", nil},
		{"hashed config", "bob", "bobpw", "U0002", nil},
		{"wrong password", "alice", "nope", "", ErrInvalidCredentials},
		{"unknown user", "mallory", "x", "", ErrInvalidCredentials},
		{"anonymous", "", "", "", ErrAnonymousDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Authenticate(tt.user, tt.pass)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if id.AccountCode != tt.wantCode {
				t.Errorf("account = %q, want %q", id.AccountCode, tt.wantCode)
			}
		})
	}
}

func TestAuthenticate_Anonymous(t *testing.T) {
	r := testAuth(t, true)
	id, err := r.Authenticate("", "")
	if err != nil {
		t.Fatalf("anonymous login: %v", err)
	}
	if id.AccountCode != "DU0001" {
		t.Errorf("anonymous attached to %q, want first account", id.AccountCode)
	}
	if id.BaseCurrency != "USD" {
		t.Errorf("default currency = %q", id.BaseCurrency)
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	_, err := NewRegistry(params.Auth{Accounts: []params.Account{
		{Username: "a", PasswordHash: "plain", AccountID: "X"},
	}}, bcrypt.MinCost)
	if err == nil {
		t.Error("want error for non-bcrypt password_hash")
	}

	_, err = NewRegistry(params.Auth{Accounts: []params.Account{
		{Username: "a", Password: "p", AccountID: "X"},
		{Username: "a", Password: "q", AccountID: "Y"},
	}}, bcrypt.MinCost)
	if err == nil {
		t.Error("want error for duplicate username")
	}
}

func TestIdentities(t *testing.T) {
	ids := testAuth(t, false).Identities()
	if len(ids) != 2 || ids[0].AccountCode != "DU0001" || ids[1].AccountCode != "U0002" {
		t.Errorf("Identities() = %+v", ids)
	}
}

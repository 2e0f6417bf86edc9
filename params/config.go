package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server controls the TWS-protocol listener.
type Server struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
}

// Addr returns host:port for net.Listen.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Protocol holds wire-level limits and session timers.
type Protocol struct {
	// MinVersion and MaxVersion bound the server's supported client version range.
	MinVersion int `yaml:"min_version"`
	MaxVersion int `yaml:"max_version"`

	// MessageRateLimit is the inbound messages-per-second budget per session.
	MessageRateLimit int `yaml:"message_rate_limit"`
	// RateLimitEscalation closes a session after this many consecutive seconds
	// of throttled traffic. Zero disables escalation.
	RateLimitEscalation int `yaml:"rate_limit_escalation"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`

	// OutboundQueue bounds each session's writer queue.
	OutboundQueue int `yaml:"outbound_queue"`
}

// Account is a configured login.
type Account struct {
	Username string `yaml:"username"`
	// Password is plaintext and hashed at startup. PasswordHash (bcrypt) wins
	// when both are set.
	Password       string  `yaml:"password"`
	PasswordHash   string  `yaml:"password_hash"`
	AccountID      string  `yaml:"account_id"`
	AccountType    string  `yaml:"account_type"` // LIVE or PAPER
	InitialBalance float64 `yaml:"initial_balance"`
	BaseCurrency   string  `yaml:"base_currency"`
}

// Auth configures login.
type Auth struct {
	Accounts []Account `yaml:"accounts"`
	// AllowAnonymous lets a START_API without credentials attach to the first
	// configured account.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// Execution holds fill-model parameters.
type Execution struct {
	SlippageFactor        float64 `yaml:"slippage_factor"`
	MarketImpactFactor    float64 `yaml:"market_impact_factor"`
	CommissionPerShare    float64 `yaml:"commission_per_share"`
	MinCommission         float64 `yaml:"min_commission"`
	MaxCommissionPct      float64 `yaml:"max_commission_pct"`
	MinOrderSize          float64 `yaml:"min_order_size"`
	MaxOrderSize          float64 `yaml:"max_order_size"`
	BuyingPowerMultiplier float64 `yaml:"buying_power_multiplier"`
}

// Contract seeds the contract registry and the price simulator.
type Contract struct {
	Symbol       string  `yaml:"symbol"`
	SecType      string  `yaml:"sec_type"`
	Exchange     string  `yaml:"exchange"`
	Currency     string  `yaml:"currency"`
	InitialPrice float64 `yaml:"initial_price"`
	Volatility   float64 `yaml:"volatility"` // annualized
}

// MarketData configures the quote simulator.
type MarketData struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	SpreadBps    float64       `yaml:"spread_bps"`
	Seed         int64         `yaml:"seed"`
	RiskFreeRate float64       `yaml:"risk_free_rate"`
	Contracts    []Contract    `yaml:"contracts"`
}

// Persistence selects the audit sinks.
type Persistence struct {
	// Backend is one of "pebble", "sqlite", "wal", "none".
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"db_path"`
	WALPath string `yaml:"wal_path"`
}

// Admin configures the HTTP admin surface.
type Admin struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Log configures zap.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Server      Server      `yaml:"server"`
	Protocol    Protocol    `yaml:"protocol"`
	Auth        Auth        `yaml:"auth"`
	Execution   Execution   `yaml:"execution"`
	MarketData  MarketData  `yaml:"market_data"`
	Persistence Persistence `yaml:"persistence"`
	Admin       Admin       `yaml:"admin"`
	Log         Log         `yaml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{
			Host:       "0.0.0.0",
			Port:       7497, // paper trading port
			MaxClients: 32,
		},
		Protocol: Protocol{
			MinVersion:          100,
			MaxVersion:          176,
			MessageRateLimit:    50,
			RateLimitEscalation: 10,
			HandshakeTimeout:    10 * time.Second,
			LoginTimeout:        10 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			IdleTimeout:         120 * time.Second,
			FlushTimeout:        2 * time.Second,
			OutboundQueue:       1024,
		},
		Auth: Auth{
			Accounts: []Account{{
				Username:       "demo",
				Password:       "demo",
				AccountID:      "DU1234567",
				AccountType:    "PAPER",
				InitialBalance: 1_000_000,
				BaseCurrency:   "USD",
			}},
		},
		Execution: Execution{
			SlippageFactor:        0.0001,
			MarketImpactFactor:    0.001,
			CommissionPerShare:    0.005,
			MinCommission:         1.0,
			MaxCommissionPct:      0.01,
			MinOrderSize:          1,
			MaxOrderSize:          100_000,
			BuyingPowerMultiplier: 4,
		},
		MarketData: MarketData{
			TickInterval: 250 * time.Millisecond,
			SpreadBps:    2,
			Seed:         1,
			RiskFreeRate: 0.05,
			Contracts: []Contract{
				{Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD", InitialPrice: 190, Volatility: 0.25},
				{Symbol: "MSFT", SecType: "STK", Exchange: "SMART", Currency: "USD", InitialPrice: 420, Volatility: 0.22},
				{Symbol: "SPY", SecType: "STK", Exchange: "SMART", Currency: "USD", InitialPrice: 560, Volatility: 0.15},
				{Symbol: "TSLA", SecType: "STK", Exchange: "SMART", Currency: "USD", InitialPrice: 250, Volatility: 0.55},
			},
		},
		Persistence: Persistence{
			Backend: "pebble",
			DBPath:  "data/twsim.db",
			WALPath: "data/audit.log",
		},
		Admin: Admin{
			Enabled:        true,
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Log: Log{
			Level: "info",
			File:  "data/twsim.log",
		},
	}
}

// Load builds a Config.
// Priority: ENV > .env file > YAML file > defaults.
// An empty path skips the YAML layer; an empty envPath loads .env from the
// current directory if present.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Host = getEnv("IB_SIM_HOST", cfg.Server.Host)
	cfg.Persistence.DBPath = getEnv("IB_SIM_DB_PATH", cfg.Persistence.DBPath)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Admin.Addr = getEnv("ADMIN_ADDR", cfg.Admin.Addr)

	ints := []struct {
		key string
		dst *int
	}{
		{"IB_SIM_PORT", &cfg.Server.Port},
		{"IB_SIM_MAX_CLIENTS", &cfg.Server.MaxClients},
		{"IB_SIM_RATE_LIMIT", &cfg.Protocol.MessageRateLimit},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", e.key, v, err)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks ranges that would otherwise surface as odd runtime behaviour.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("server.max_clients must be positive: %d", c.Server.MaxClients))
	}
	if c.Protocol.MinVersion <= 0 || c.Protocol.MaxVersion < c.Protocol.MinVersion {
		errs = append(errs, fmt.Errorf("protocol version range invalid: %d..%d", c.Protocol.MinVersion, c.Protocol.MaxVersion))
	}
	if c.Protocol.OutboundQueue <= 0 {
		errs = append(errs, errors.New("protocol.outbound_queue must be positive"))
	}
	if c.Execution.MinOrderSize <= 0 || c.Execution.MaxOrderSize < c.Execution.MinOrderSize {
		errs = append(errs, fmt.Errorf("execution order size range invalid: %v..%v", c.Execution.MinOrderSize, c.Execution.MaxOrderSize))
	}
	if c.Execution.BuyingPowerMultiplier <= 0 {
		errs = append(errs, errors.New("execution.buying_power_multiplier must be positive"))
	}
	if c.Execution.MinCommission < 0 || c.Execution.MaxCommissionPct < 0 || c.Execution.CommissionPerShare < 0 {
		errs = append(errs, errors.New("execution commission parameters must be non-negative"))
	}
	if c.Execution.SlippageFactor < 0 || c.Execution.MarketImpactFactor < 0 {
		errs = append(errs, errors.New("execution slippage parameters must be non-negative"))
	}
	if len(c.Auth.Accounts) == 0 {
		errs = append(errs, errors.New("auth.accounts must not be empty"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Auth.Accounts {
		if a.Username == "" || a.AccountID == "" {
			errs = append(errs, fmt.Errorf("auth.accounts[%d]: username and account_id required", i))
		}
		if a.Password == "" && a.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth.accounts[%d]: password or password_hash required", i))
		}
		if a.AccountType != "LIVE" && a.AccountType != "PAPER" {
			errs = append(errs, fmt.Errorf("auth.accounts[%d]: account_type must be LIVE or PAPER, got %q", i, a.AccountType))
		}
		if a.InitialBalance < 0 {
			errs = append(errs, fmt.Errorf("auth.accounts[%d]: negative initial_balance", i))
		}
		if seen[a.Username] {
			errs = append(errs, fmt.Errorf("auth.accounts[%d]: duplicate username %q", i, a.Username))
		}
		seen[a.Username] = true
	}
	for i, k := range c.MarketData.Contracts {
		if k.Symbol == "" || k.InitialPrice <= 0 {
			errs = append(errs, fmt.Errorf("market_data.contracts[%d]: symbol and positive initial_price required", i))
		}
	}
	switch c.Persistence.Backend {
	case "pebble", "sqlite", "wal", "none":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend unknown: %q", c.Persistence.Backend))
	}
	return errors.Join(errs...)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

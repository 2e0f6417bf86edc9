package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/api"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/auth"
	"github.com/uhyunpark/twsim/pkg/gateway"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/metrics"
	"github.com/uhyunpark/twsim/pkg/session"
	"github.com/uhyunpark/twsim/pkg/storage"
	"github.com/uhyunpark/twsim/pkg/util"
)

func main() {
	configPath := flag.String("config", os.Getenv("IB_SIM_CONFIG"), "YAML config file (optional)")
	envPath := flag.String("env", "", ".env file (default: .env in the current directory)")
	flag.Parse()

	// Priority: ENV > .env > YAML > defaults
	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("twsim_failed", "err", err)
	}
	sugar.Info("twsim_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Persistence ----
	sink, err := storage.Open(cfg.Persistence.Backend, cfg.Persistence.DBPath, cfg.Persistence.WALPath)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer sink.Close()
	sugar.Infow("persistence_ready", "backend", cfg.Persistence.Backend, "db_path", cfg.Persistence.DBPath, "wal_path", cfg.Persistence.WALPath)

	// ---- Market data ----
	sim := marketdata.NewSimulator(marketdata.Config{
		TickInterval: cfg.MarketData.TickInterval,
		SpreadBps:    cfg.MarketData.SpreadBps,
		Seed:         cfg.MarketData.Seed,
		RiskFreeRate: cfg.MarketData.RiskFreeRate,
	}, sugar.Named("marketdata"))

	contracts := market.NewContractRegistry()
	// option contracts registered on demand start ticking too
	contracts.Watch(sim.Track)
	for _, c := range cfg.MarketData.Contracts {
		stored, err := contracts.RegisterContract(market.Contract{
			Symbol:       strings.ToUpper(c.Symbol),
			SecType:      market.SecType(strings.ToUpper(c.SecType)),
			Exchange:     c.Exchange,
			Currency:     c.Currency,
			InitialPrice: c.InitialPrice,
			Volatility:   c.Volatility,
		})
		if err != nil {
			return fmt.Errorf("failed to register contract %s: %w", c.Symbol, err)
		}
		sugar.Infow("contract_registered", "con_id", stored.ConID, "symbol", stored.Symbol, "sec_type", stored.SecType, "price", stored.InitialPrice)
	}

	// ---- Accounts ----
	ledger := account.NewLedger(account.WithSink(sink), account.WithLogger(sugar.Named("ledger")))
	for _, a := range cfg.Auth.Accounts {
		if _, err := ledger.Open(ctx, account.Params{
			Code:         a.AccountID,
			Type:         a.AccountType,
			BaseCurrency: a.BaseCurrency,
			InitialCash:  decimal.NewFromFloat(a.InitialBalance),
		}); err != nil {
			return fmt.Errorf("failed to open account %s: %w", a.AccountID, err)
		}
	}
	registry, err := auth.NewRegistry(cfg.Auth, 0)
	if err != nil {
		return fmt.Errorf("failed to build login registry: %w", err)
	}
	sugar.Infow("accounts_ready", "accounts", ledger.Codes(), "allow_anonymous", cfg.Auth.AllowAnonymous)

	// ---- Execution ----
	m := metrics.New()
	stream := api.NewStream(ledger, contracts, sim, sugar.Named("ws"))
	engine, err := execution.NewEngine(ledger, contracts, sim, execution.ConfigFrom(cfg.Execution),
		execution.WithLogger(sugar.Named("execution")),
		execution.WithObserver(m),
		execution.WithObserver(stream),
	)
	if err != nil {
		return fmt.Errorf("failed to start execution engine: %w", err)
	}
	defer engine.Close()

	// ---- Gateway ----
	gw := gateway.New(cfg.Server, cfg.Protocol, session.Services{
		Auth:         registry,
		Ledger:       ledger,
		Engine:       engine,
		Contracts:    contracts,
		Quotes:       sim,
		Sink:         sink,
		Clock:        util.RealClock{},
		Observer:     m,
		RiskFreeRate: cfg.MarketData.RiskFreeRate,
	}, sugar.Named("gateway"), gateway.WithObserver(m))
	if err := gw.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error { return gw.Serve(gctx) })

	// ---- Admin API ----
	if cfg.Admin.Enabled {
		deps := api.Deps{
			Ledger:    ledger,
			Engine:    engine,
			Contracts: contracts,
			Quotes:    sim,
			Stream:    stream,
			Sessions:  gw,
			Metrics:   m.Handler(),
		}
		if r, ok := storage.ReaderOf(sink); ok {
			deps.Audit = r
		}
		admin := api.NewServer(cfg.Admin, deps, sugar.Named("api"))
		g.Go(func() error { return admin.Run(gctx) })
	}

	sugar.Infow("twsim_started",
		"addr", gw.Addr().String(),
		"versions", fmt.Sprintf("%d-%d", cfg.Protocol.MinVersion, cfg.Protocol.MaxVersion),
		"max_clients", cfg.Server.MaxClients,
		"contracts", contracts.Count(),
		"admin", cfg.Admin.Enabled)

	return g.Wait()
}

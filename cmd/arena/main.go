package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/qtc-alpha/arena/internal/barstore"
	"github.com/qtc-alpha/arena/internal/broker"
	arenaclock "github.com/qtc-alpha/arena/internal/clock"
	"github.com/qtc-alpha/arena/internal/config"
	"github.com/qtc-alpha/arena/internal/executor"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/marketdata"
	"github.com/qtc-alpha/arena/internal/orchestrator"
	"github.com/qtc-alpha/arena/internal/orders"
	"github.com/qtc-alpha/arena/internal/postgres"
	"github.com/qtc-alpha/arena/internal/repair"
	"github.com/qtc-alpha/arena/internal/server"
	"github.com/qtc-alpha/arena/internal/strategy"
)

const _arenaCfgFilePath = "./configs/arena.yaml"

func main() {
	zapLogger, loggerSync, err := logger.NewZapLogger(logger.Debug)
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	if err := godotenv.Load(); err != nil {
		zapLogger.Warnf("can't detect .env file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadArenaConfig(_arenaCfgFilePath)
	if err != nil {
		zapLogger.Fatalf("%s: can't load arena cfg", err)
	}

	db, err := postgres.NewDB(postgres.NewConfigFromEnv())
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to postgres", err)
	}
	defer db.Close()

	barStore := barstore.NewPostgresStore(db, zapLogger.Named("barstore"))
	if err := barStore.Migrate(ctx); err != nil {
		zapLogger.Fatalf("%s: can't migrate bar store", err)
	}
	orderStore := orders.NewPostgresStore(db)
	if err := orderStore.Migrate(ctx); err != nil {
		zapLogger.Fatalf("%s: can't migrate order store", err)
	}

	journal := history.NewJournal(cfg.DataDir, zapLogger.Named("journal"))
	folder := history.NewFolder(db, journal)
	if err := folder.Migrate(ctx); err != nil {
		zapLogger.Fatalf("%s: can't migrate portfolio history", err)
	}

	brk, err := broker.NewRESTBroker(cfg.Broker, zapLogger.Named("broker"))
	if err != nil {
		zapLogger.Fatalf("%s: can't create broker client", err)
	}
	if brk == nil {
		zapLogger.Infof("no broker configured, trades execute locally")
	}
	feed := marketdata.NewRESTFeed(cfg.MarketData, zapLogger.Named("marketdata"))

	harnessPath, err := strategy.WriteHarness(filepath.Join(cfg.DataDir, "runtime"))
	if err != nil {
		zapLogger.Fatalf("%s: can't write strategy harness", err)
	}
	loader := strategy.NewLoader(cfg.Strategy.PythonBinary, harnessPath, zapLogger.Named("loader"))

	orch := orchestrator.New(orchestrator.Params{
		RegistryPath:  cfg.RegistryPath,
		SignalTimeout: cfg.Strategy.SignalTimeout,
		Symbols:       cfg.MarketData.Symbols,
		DataDir:       cfg.DataDir,
		Feed:          feed,
		Bars:          barStore,
		Broker:        asBroker(brk),
		Journal:       journal,
		Folder:        folder,
		Loader:        loader,
		Logger:        zapLogger.Named("orchestrator"),
	})

	tracker := orders.NewTracker(
		orderStore, journal, orch,
		cfg.Orders.ReconcileInterval, cfg.Orders.CleanupMaxAge,
		zapLogger.Named("tracker"),
	)
	if err := tracker.LoadPending(ctx); err != nil {
		zapLogger.Fatalf("%s: can't reload pending orders", err)
	}
	orch.SetExecutor(executor.NewExecutor(asBroker(brk), tracker, journal, zapLogger.Named("executor")))

	minuteClock := arenaclock.NewMinuteClock(clock.New(), zapLogger.Named("clock"))
	minuteClock.Register(orch.HandleTick)

	repairSvc := repair.NewService(
		feed, barStore, cfg.MarketData.Symbols,
		cfg.Repair.MarketHoursInterval, cfg.Repair.OffHoursInterval, cfg.Repair.LookbackMinutes,
		zapLogger.Named("repair"),
	)

	httpServer := server.NewHTTPServer(ctx, cfg.StatusPort,
		server.NewStatusHandler(orch, tracker, zapLogger.Named("server")))

	go tracker.Run(ctx, asBroker(brk))
	go repairSvc.Run(ctx)
	go func() {
		if err := httpServer.Run(ctx); err != nil && err != http.ErrServerClosed {
			zapLogger.Errorf("%s: status server stopped", err)
		}
	}()

	zapLogger.Infof("arena started: registry %s, %d symbols, status on :%s",
		cfg.RegistryPath, len(cfg.MarketData.Symbols), cfg.StatusPort)

	if err := minuteClock.Run(ctx); err != nil && err != context.Canceled {
		zapLogger.Fatalf("%s: clock stopped", err)
	}
	zapLogger.Infof("arena stopped")
}

// asBroker keeps a nil *RESTBroker from becoming a non-nil Broker interface.
func asBroker(b *broker.RESTBroker) broker.Broker {
	if b == nil {
		return nil
	}
	return b
}

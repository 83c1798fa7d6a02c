package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"execflow/internal/api"
	"execflow/internal/config"
	"execflow/internal/deadletter"
	"execflow/internal/dispatch"
	"execflow/internal/domain"
	"execflow/internal/fsm"
	"execflow/internal/governor"
	"execflow/internal/metrics"
	"execflow/internal/queue"
	"execflow/internal/registry"
	"execflow/internal/scheduler"
	"execflow/internal/trigger"
)

func main() {
	var (
		cfgPath = flag.String("config", "execflow.yaml", "config file path")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := registry.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	store := registry.NewSQLite(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gov, err := governor.New(ctx, budgetsFromConfig(cfg), store)
	if err != nil {
		log.Fatal().Err(err).Msg("init governor")
	}

	met := metrics.New()
	dead := deadletter.NewHandler(store, met, nil)
	det := scheduler.NewDetector(cfg.Anomaly.FailureRate, cfg.Anomaly.MinSamples)

	ctrl := fsm.NewController(store, gov, dead, routeResources(cfg), fsm.Options{
		BackoffBase: cfg.BackoffBase.Std(),
		Sink:        det,
		Metrics:     met,
	})

	disp := dispatch.New(dispatchRoutes(cfg), cfg.CallbackAddress, cfg.CallTimeout.Std())
	qm := queue.NewManager(store, queue.Config{
		BatchSize:  cfg.BatchSize,
		HighWater:  cfg.HighWater,
		LowWater:   cfg.LowWater,
		MaxGrowth:  cfg.MaxGrowth,
		FairShare:  cfg.FairShare,
		BoostAfter: cfg.BoostAfter.Std(),
	}, met, nil)

	loop := scheduler.NewLoop(scheduler.Config{
		Tick:            cfg.Tick.Std(),
		Jitter:          cfg.TickJitter,
		DispatchTimeout: cfg.DispatchTimeout.Std(),
		ExhaustedTicks:  cfg.Anomaly.ExhaustedTicks,
	}, store, gov, qm, ctrl, disp, det, met, nil)

	if n := loop.RecoverStartup(ctx); n > 0 {
		log.Info().Int("recovered", n).Msg("recovered expired in-flight executions")
	}
	go loop.Run(ctx)

	trig := trigger.NewService(store, time.Minute, nil)
	go trig.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(store, ctrl, gov, dead, det, met, cfg.MaxAttempts, *debug),
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	trig.Stop()
	loop.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func budgetsFromConfig(cfg *config.Config) []governor.Budget {
	budgets := make([]governor.Budget, 0, len(cfg.Budgets))
	for _, b := range cfg.Budgets {
		class := governor.ClassGauge
		switch b.Class {
		case "window":
			class = governor.ClassWindow
		case "accumulating":
			class = governor.ClassAccumulating
		}
		budgets = append(budgets, governor.Budget{
			Kind:   domain.BudgetKind(b.Kind),
			Class:  class,
			Limit:  b.Limit,
			Window: b.Window.Std(),
		})
	}
	return budgets
}

func routeResources(cfg *config.Config) map[string]map[domain.BudgetKind]float64 {
	routes := make(map[string]map[domain.BudgetKind]float64, len(cfg.Routes))
	for wft, r := range cfg.Routes {
		res := make(map[domain.BudgetKind]float64, len(r.Resources))
		for kind, amount := range r.Resources {
			res[domain.BudgetKind(kind)] = amount
		}
		routes[wft] = res
	}
	return routes
}

func dispatchRoutes(cfg *config.Config) map[string]dispatch.Route {
	routes := make(map[string]dispatch.Route, len(cfg.Routes))
	for wft, r := range cfg.Routes {
		routes[wft] = dispatch.Route{Endpoint: r.Endpoint}
	}
	return routes
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"smart-obd/core/internal/auth"
	"smart-obd/core/internal/config"
	"smart-obd/core/internal/domain"
	"smart-obd/core/internal/metrics"
	"smart-obd/core/internal/obd"
	"smart-obd/core/internal/pipeline"
	"smart-obd/core/internal/store"
	"smart-obd/core/internal/telemetry"
	transporthttp "smart-obd/core/internal/transport/http"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewTimescaleStore(ctx, cfg)
	if err != nil {
		log.Fatalf("TimescaleDB init failed: %v", err)
	}
	defer db.Close()

	redisStore, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Redis init failed: %v", err)
	}
	defer redisStore.Close()

	dialer, err := obd.NewDialer(cfg.TransportKind, cfg.AdapterEndpoint, cfg.ConnectTimeout)
	if err != nil {
		log.Fatalf("Transport setup failed: %v", err)
	}

	mgr := obd.NewManager(dialer, obd.ManagerConfig{
		MaxRetries:        cfg.ReconnectMaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		ReadTimeout:       cfg.ReadTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, obd.SystemClock)

	schedule := make([]telemetry.ScheduleEntry, len(cfg.PollSchedule))
	for i, item := range cfg.PollSchedule {
		schedule[i] = telemetry.ScheduleEntry{PID: item.PID, Interval: item.Interval}
	}
	reader := telemetry.NewReader(mgr, telemetry.ReaderConfig{
		VehicleID:      cfg.VehicleID,
		Schedule:       schedule,
		DTCInterval:    cfg.DTCInterval,
		QueueSize:      cfg.ReaderQueue,
		RequestTimeout: cfg.RequestTimeout,
		EnqueueTimeout: cfg.EnqueueTimeout,
	})

	fanout := pipeline.NewFanout(reader.Readings(), cfg.AggChannelSize, cfg.StoreChannelSize, cfg.StateChannelSize, cfg.MaintChannelSize)

	agg := pipeline.NewAggregator(fanout.AggChan, pipeline.AggregatorConfig{
		WindowDuration: cfg.WindowDuration,
		TickInterval:   cfg.AggTick,
	}, obd.SystemClock, db)

	engine := pipeline.NewEngine(agg.Windows(), reader.DTCs(), pipeline.EngineConfig{
		BaseConfidence: cfg.BaseConfidence,
		DTCTTL:         cfg.DTCTTL,
	}, pipeline.NewDefaultModelScorer(), pipeline.NewRuleScorer(pipeline.DefaultWearRules), db)

	thresholds := make(map[domain.Subsystem]pipeline.SeverityThreshold, len(cfg.SeverityThresholds))
	for sub, th := range cfg.SeverityThresholds {
		thresholds[sub] = pipeline.SeverityThreshold{Warning: th.Warning, Critical: th.Critical}
	}
	dispatcher := pipeline.NewDispatcher(engine.Predictions(), pipeline.DispatcherConfig{
		Cooldown:      cfg.DebounceCooldown,
		Thresholds:    thresholds,
		MinConfidence: cfg.MinConfidence,
	}, redisStore, db, obd.SystemClock)

	recorder := pipeline.NewRecorder(fanout.StoreChan, db, cfg.DBBatchSize, cfg.DBFlushIntervalMS)
	stateWriter := pipeline.NewStateWriter(fanout.StateChan, redisStore)
	maint := pipeline.NewMaintenance(fanout.MaintChan, pipeline.DefaultMaintenanceCatalog, redisStore, db, obd.SystemClock)

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
			log.Printf("%s stopped", name)
		}()
	}

	run("connection manager", mgr.Run)
	run("telemetry reader", reader.Run)
	run("fanout", fanout.Run)
	run("aggregator", agg.Run)
	run("predictive engine", engine.Run)
	run("alert dispatcher", dispatcher.Run)
	run("recorder", recorder.Run)
	run("state writer", stateWriter.Run)
	run("maintenance scheduler", maint.Run)

	authn := auth.NewAuthenticator(cfg, redisStore)
	authMW := transporthttp.NewAuthMiddleware(authn)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.HandleMetrics)
	mux.Handle("/alerts/ack", authMW.Wrap(transporthttp.NewAckHandler(dispatcher)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		log.Printf("HTTP listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	srv.Shutdown(context.Background())
	cancel()
	mgr.Shutdown()
	wg.Wait()
	log.Println("Pipeline drained, bye")
}

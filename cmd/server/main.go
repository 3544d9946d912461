package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// Driver index: Redis geo set when configured, in-process otherwise.
	var index geo.Geo
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StaleAfter)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewIndex(cfg.StaleAfter)
	}

	var (
		rides    storage.RideStore   = storage.NewMemoryRideStore()
		events   storage.SafetyStore = storage.NewMemorySafetyStore()
		offerLog storage.OfferLog    = storage.NewMemoryOfferLog()
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if cfg.RunMigrations {
			runMigrations(db, logger)
		}
		rides = storage.NewPostgresRideStore(db)
		events = storage.NewPostgresSafetyStore(db)
		offerLog = storage.NewPostgresOfferLog(db)
		logger.Info("using postgres stores")
	}

	h := hub.New(cfg.HubBufferSize)

	machine := &lifecycle.Machine{
		Store:          rides,
		Events:         h,
		Logger:         logger,
		FareBaseCents:  cfg.FareBaseCents,
		FarePerKmCents: cfg.FarePerKmCents,
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		machine.Ledger = payments.NewStripeLedger()
		logger.Info("stripe ledger enabled")
	}

	engine := matching.NewEngine(index, machine, matching.Config{
		InitialRadiusM:  cfg.InitialRadiusM,
		MaxRadiusM:      cfg.MaxRadiusM,
		ProximityWeight: cfg.ProximityWeight,
		RatingWeight:    cfg.RatingWeight,
		RecencyWeight:   cfg.RecencyWeight,
		OfferTTL:        cfg.OfferTTL,
		StaleAfter:      cfg.StaleAfter,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	})
	engine.Logger = logger
	engine.OfferLog = offerLog
	engine.ETACache = eta.NewCache(time.Minute)
	if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		engine.ETAClient = eta.NewOSRMClient(endpoint)
	}
	dispatcher := &offerDispatcher{hub: h, notifier: notify.Nop{}, logger: logger}
	if endpoint := os.Getenv("FCM_ENDPOINT"); endpoint != "" {
		dispatcher.notifier = notify.NewFCMNotifier(endpoint, os.Getenv("FCM_KEY"))
	}
	engine.Dispatch = dispatcher
	machine.BindMatching(engine)

	safetySvc := &safety.Service{
		Store:  events,
		Events: h,
		Clock:  safety.TimerClock{Delay: cfg.SafetyEscalateAfter},
		Logger: logger,
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("kafka location producer enabled", "topic", cfg.KafkaTopic)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Lifecycle: machine,
		Matching:  engine,
		Safety:    safetySvc,
		Hub:       h,
		Geo:       index,
		Kafka:     producer,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// offerDispatcher delivers match offers over the driver's broadcast topic
// and a push notification. Push failures are logged and tolerated; the
// websocket path is authoritative.
type offerDispatcher struct {
	hub      *hub.Hub
	notifier notify.Notifier
	logger   *slog.Logger
}

func (d *offerDispatcher) Offer(driverID string, offer models.MatchOffer) error {
	d.hub.Publish(models.DriverTopic(driverID), models.EventMatchOffer, offer)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.notifier.Send(ctx, driverID, offer); err != nil {
		d.logger.Warn("offer push failed", "driver_id", driverID, "error", err)
	}
	return nil
}

func runMigrations(db *sql.DB, logger *slog.Logger) {
	path := filepath.Join("migrations", "001_init.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read failed", "path", path, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}

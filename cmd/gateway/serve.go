package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/anomaly"
	"plantpod-gateway/internal/api"
	"plantpod-gateway/internal/auth"
	"plantpod-gateway/internal/catalog"
	"plantpod-gateway/internal/config"
	"plantpod-gateway/internal/datastore"
	"plantpod-gateway/internal/export"
	"plantpod-gateway/internal/hub"
	"plantpod-gateway/internal/ingest"
	"plantpod-gateway/internal/logging"
	"plantpod-gateway/internal/mood"
	"plantpod-gateway/internal/mqtt"
	"plantpod-gateway/internal/notify"
	"plantpod-gateway/internal/storage"
	"plantpod-gateway/internal/stream"
)

// backend is the durable side of the gateway: alert history plus the plant catalog.
type backend interface {
	alerting.Repository
	catalog.Directory
}

func serve(ctx context.Context, configPath string) error {
	// --- Configuration ---
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	store, closeStore, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	broadcaster := hub.NewHub(cfg.Stream.Buffer, log.Named("hub"))
	snapshots := storage.NewMemoryStore(broadcaster)
	moods := mood.NewResolver(store)

	var (
		sinks   []ingest.Sink
		options []alerting.Option
	)
	if cfg.Kafka.Enabled {
		k := export.NewKafkaExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.Named("kafka"))
		defer k.Close()
		sinks = append(sinks, k)
		options = append(options, alerting.WithObserver(k))
	}
	if cfg.Influx.Enabled {
		in := export.NewInfluxExporter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		defer in.Close()
		sinks = append(sinks, in)
	}

	notifier, err := buildNotifier(ctx, cfg.Notify, log)
	if err != nil {
		return err
	}
	machine := alerting.NewMachine(alerting.Config{
		Cooldown:      cfg.Alerts.Cooldown,
		NotifyTimeout: cfg.Notify.Timeout,
	}, store, anomaly.NewDetector(cfg.Alerts.DangerFallback), notifier, moods, log.Named("alerts"), options...)

	service := ingest.NewService(store, machine, snapshots, log.Named("ingest"), ingest.WithSinks(sinks...))
	sessions := stream.NewManager(snapshots, broadcaster, cfg.Stream.KeepAlive, log.Named("stream"))

	am := auth.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.DeviceKeys)
	apiHandler := api.NewAPIHandler(service, store, snapshots, sessions, moods, log.Named("http"))

	// --- Setup HTTP Servers ---
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler, am),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	// No WriteTimeout: streams stay open for as long as the viewer does.
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler, am),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{dataServer, uiServer} {
		g.Go(func() error {
			log.Info("Starting HTTP server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sweepIdlePods(gctx, snapshots, broadcaster, cfg.Store.SweepInterval, cfg.Store.IdleTTL, log)
		return nil
	})

	if cfg.MQTT.Enabled {
		client := mqtt.BuildMQTTClient(cfg.MQTT, service, log.Named("mqtt"))
		g.Go(func() error {
			err := mqtt.ConnectWithBackoff(gctx, client, time.Second, 30*time.Second, log)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			client.Disconnect(250)
			return nil
		})
	}

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down servers...")
		sessions.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(dataServer.Shutdown(shutdownCtx), uiServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.Error("Gateway stopped with error", zap.Error(err))
		return err
	}
	log.Info("Servers gracefully stopped.")
	return nil
}

// openBackend picks the datastore. The in-memory backend takes its catalog from config;
// the SQL backends seed configured plants into the plants table.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (backend, func(), error) {
	if cfg.Datastore.Driver == "memory" {
		log.Warn("Using in-memory datastore; alert history is lost on restart")
		return struct {
			*datastore.Memory
			*catalog.Static
		}{datastore.NewMemory(), catalog.NewStatic(cfg.Catalog.Plants)}, func() {}, nil
	}

	db, err := datastore.Open(ctx, cfg.Datastore.Driver, cfg.Datastore.DSN)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range cfg.Catalog.Plants {
		if err := db.UpsertPlant(ctx, p); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("seed plant %s: %w", p.ID, err)
		}
	}
	log.Info("Datastore ready", zap.String("driver", cfg.Datastore.Driver), zap.Int("seeded", len(cfg.Catalog.Plants)))
	return db, func() { db.Close() }, nil
}

func buildNotifier(ctx context.Context, cfg config.NotifyConfig, log *zap.Logger) (*notify.Notifier, error) {
	var writer notify.Copywriter
	if cfg.GeminiAPIKey != "" {
		g, err := notify.NewGeminiCopywriter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		writer = g
	} else {
		log.Info("No Gemini key configured, alerts use the fallback message")
	}

	var sender notify.Sender = notify.LogSender{Log: log.Named("sms")}
	if cfg.SMSEnabled() {
		sender = notify.NewVonageSender(cfg.VonageAPIKey, cfg.VonageAPISecret, cfg.VonageFrom)
	} else {
		log.Warn("SMS credentials incomplete, alerts are logged instead of sent")
	}
	return notify.New(writer, sender, log.Named("notify")), nil
}

// sweepIdlePods evicts pods nobody has reported on or watched for ttl.
func sweepIdlePods(ctx context.Context, store *storage.MemoryStore, h *hub.Hub, every, ttl time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inUse := func(pod string) bool { return h.Subscribers(pod) > 0 }
			if n := store.Sweep(ttl, inUse); n > 0 {
				log.Info("Evicted idle pods", zap.Int("count", n), zap.Int("remaining", store.Len()))
			}
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scanline/internal/api"
	"github.com/ahrav/scanline/internal/api/debug"
	"github.com/ahrav/scanline/internal/api/mux"
	"github.com/ahrav/scanline/internal/api/routes"
	"github.com/ahrav/scanline/internal/app/rules"
	scanApp "github.com/ahrav/scanline/internal/app/scanning"
	"github.com/ahrav/scanline/internal/app/streaming"
	"github.com/ahrav/scanline/internal/config"
	"github.com/ahrav/scanline/internal/config/fileloader"
	"github.com/ahrav/scanline/internal/domain/events"
	"github.com/ahrav/scanline/internal/domain/scanning"
	eventdispatcher "github.com/ahrav/scanline/internal/infra/event_dispatcher"
	"github.com/ahrav/scanline/internal/infra/eventbus/kafka"
	"github.com/ahrav/scanline/internal/infra/relay/valkey"
	"github.com/ahrav/scanline/internal/infra/storage"
	scanningStore "github.com/ahrav/scanline/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/scanline/internal/infra/worker"
	"github.com/ahrav/scanline/internal/infra/worker/httpworker"
	"github.com/ahrav/scanline/pkg/common/logger"
	"github.com/ahrav/scanline/pkg/common/otel"
)

var build = "develop"

const serviceType = "scanline-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := fileloader.NewFileLoader("").Load(context.Background())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCANLINE-API-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, meterProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Tempo.ServiceName,
		ExporterEndpoint: cfg.Tempo.Host,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/debug":        {},
		},
		Probability: cfg.Tempo.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Tempo.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())

	tracer := traceProvider.Tracer(cfg.Tempo.ServiceName)

	// -------------------------------------------------------------------------
	// Database Support
	log.Info(ctx, "startup", "status", "initializing database support")

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:      cfg.DB.DSN,
		MinConns: cfg.DB.MinConns,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(pool, cfg.DB.MigrationsDir); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	jobStore := scanningStore.NewJobStore(pool, tracer)
	repoDirectory := scanningStore.NewRepositoryDirectory(pool, tracer)

	// -------------------------------------------------------------------------
	// Metrics
	apiMetrics, err := api.NewAPIMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	scanMetrics, err := scanApp.NewScanMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}
	brokerMetrics, err := streaming.NewBrokerMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("creating stream metrics: %w", err)
	}

	// Background work shares this context; canceling it stops the relay and
	// the Kafka consumer.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	g, gctx := errgroup.WithContext(bgCtx)

	// -------------------------------------------------------------------------
	// Event Bus
	var (
		eventPublisher events.DomainEventPublisher
		bus            *kafka.EventBus
	)
	if cfg.Kafka.Enabled() {
		log.Info(ctx, "startup", "status", "initializing event bus", "brokers", cfg.Kafka.Brokers)

		kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
			Brokers:     cfg.Kafka.Brokers,
			ClientID:    cfg.Kafka.ClientID,
			ServiceType: serviceType,
		})
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}
		defer kafkaClient.Close()

		busMetrics, err := kafka.NewEventBusMetrics(meterProvider)
		if err != nil {
			return fmt.Errorf("creating event bus metrics: %w", err)
		}

		bus, err = kafka.ConnectEventBus(&kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			LifecycleTopic: cfg.Kafka.LifecycleTopic,
			ProgressTopic:  cfg.Kafka.ProgressTopic,
			GroupID:        cfg.Kafka.GroupID,
			ClientID:       cfg.Kafka.ClientID,
		}, kafkaClient, log, busMetrics, tracer)
		if err != nil {
			return fmt.Errorf("connecting event bus: %w", err)
		}
		defer bus.Close()

		eventPublisher = kafka.NewDomainEventPublisher(bus)
	}

	// -------------------------------------------------------------------------
	// Streaming
	broker := streaming.NewBroker(jobStore, log, tracer,
		streaming.WithQueueSize(cfg.Scanning.StreamQueueSize),
		streaming.WithMetrics(brokerMetrics),
	)

	publishers := scanning.SnapshotPublishers{broker}
	if cfg.Relay.Addr != "" {
		log.Info(ctx, "startup", "status", "initializing snapshot relay", "addr", cfg.Relay.Addr)

		vk, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{cfg.Relay.Addr}})
		if err != nil {
			return fmt.Errorf("connecting valkey: %w", err)
		}
		defer vk.Close()

		relay := valkey.NewRelay(vk, cfg.Relay.ChannelPrefix, broker, log, tracer)
		publishers = append(publishers, relay)
		g.Go(func() error { return relay.Run(gctx) })
	}

	// -------------------------------------------------------------------------
	// Scan Services
	workerClient, err := httpworker.New(httpworker.Config{
		BaseURL: cfg.Worker.BaseURL,
		Timeout: cfg.Worker.Timeout,
		RPS:     cfg.Worker.RPS,
		Burst:   cfg.Worker.Burst,
	}, tracer)
	if err != nil {
		return fmt.Errorf("creating worker client: %w", err)
	}

	catalog, err := rules.Load(cfg.Rules.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading rule catalog: %w", err)
	}

	tracker := scanApp.NewProgressTracker(jobStore, publishers, eventPublisher, scanMetrics, log, tracer,
		scanApp.WithMaxUpdateRetries(cfg.Scanning.MaxUpdateRetries),
	)
	dispatcher := scanApp.NewDispatcher(jobStore, repoDirectory, workerClient, tracker, catalog, eventPublisher, scanMetrics, log, tracer,
		scanApp.WithCallbackBaseURL(cfg.Worker.CallbackBaseURL),
		scanApp.WithPollInterval(cfg.Worker.PollInterval),
	)
	coordinator := scanApp.NewCancellationCoordinator(tracker, jobStore, workerClient, scanMetrics, log, tracer,
		scanApp.WithCancelGrace(cfg.Scanning.CancelGrace),
	)

	if _, err := coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recovering cancellations: %w", err)
	}

	if bus != nil && cfg.Kafka.ProgressTopic != "" {
		consumed := eventdispatcher.New(tracer, log)
		consumed.Register(worker.EventTypeProgressReported, kafka.NewProgressHandler(tracker, log))
		if err := bus.Subscribe(gctx, consumed.EventTypes(), consumed.Dispatch); err != nil {
			return fmt.Errorf("subscribing to worker progress: %w", err)
		}
	}

	// -------------------------------------------------------------------------
	// Start Debug Service
	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	webAPI := mux.WebAPI(mux.Config{
		Build:       build,
		Log:         log,
		DB:          pool,
		Tracer:      tracer,
		Metrics:     apiMetrics,
		Jobs:        jobStore,
		Dispatcher:  dispatcher,
		Tracker:     tracker,
		Coordinator: coordinator,
		Broker:      broker,
		Rules:       catalog,
		WorkerToken: cfg.Worker.Token,
	},
		routes.Routes(),
		mux.WithCORS(cfg.Web.CORSAllowedOrigins),
	)

	apiServer := http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}
	// Open streams would otherwise hold Shutdown until its deadline.
	apiServer.RegisterOnShutdown(broker.Close)

	g.Go(func() error {
		log.Info(ctx, "startup", "status", "api router started", "host", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// -------------------------------------------------------------------------
	// Shutdown
	g.Go(func() error {
		select {
		case sig := <-shutdown:
			log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		case <-gctx.Done():
			log.Info(ctx, "shutdown", "status", "shutdown started", "cause", context.Cause(gctx))
		}
		defer log.Info(ctx, "shutdown", "status", "shutdown complete")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		err := apiServer.Shutdown(sctx)

		dispatcher.Close()
		coordinator.Stop()
		broker.Close()
		stopBackground()

		if err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	})

	return g.Wait()
}

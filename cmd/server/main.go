// main wires the bridge: one store, client, service, and sync loop per
// configured registry, a shared cross-registry lock checker, the audit
// pipeline, and the HTTP surface. Business logic lives in internal
// packages; this file only assembles and supervises.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"carbonbridge/internal/bridge/events"
	"carbonbridge/internal/bridge/handler"
	bridgemetrics "carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/service"
	"carbonbridge/internal/bridge/store"
	bridgesync "carbonbridge/internal/bridge/sync"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/platform/config"
	"carbonbridge/internal/platform/httpserver"
	"carbonbridge/internal/platform/logger"
	platformmetrics "carbonbridge/internal/platform/metrics"
	"carbonbridge/internal/platform/postgres"
	platformredis "carbonbridge/internal/platform/redis"
	"carbonbridge/internal/registry"
	"carbonbridge/internal/registry/rest"
	"carbonbridge/internal/registry/soap"
	"carbonbridge/pkg/domain"
	audit "carbonbridge/pkg/platform/audit"
	auditpublisher "carbonbridge/pkg/platform/audit/publisher"
	auditmemory "carbonbridge/pkg/platform/audit/store/memory"
	auditworker "carbonbridge/pkg/platform/audit/worker"
	"carbonbridge/pkg/platform/httputil"
	"carbonbridge/pkg/platform/middleware/auth"
	"carbonbridge/pkg/platform/middleware/metadata"
	"carbonbridge/pkg/platform/middleware/requesttime"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("carbonbridge exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Registries) == 0 {
		return errors.New("no registries configured, set REGISTRIES")
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if err := store.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := platformmetrics.NewRegistry()
	bm := bridgemetrics.New(reg)

	g, ctx := errgroup.WithContext(ctx)

	// Audit pipeline: a broker when configured, an in-process worker
	// otherwise.
	var publisher audit.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := auditpublisher.NewKafka(ctx, cfg.Kafka.Brokers,
			auditpublisher.WithTopic(cfg.Kafka.Topic),
			auditpublisher.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("connect audit broker: %w", err)
		}
		defer kafka.Close()
		publisher = kafka
	} else {
		inbox := make(chan audit.Event, 1024)
		worker := auditworker.New(auditmemory.New(), inbox)
		g.Go(func() error {
			if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		publisher = auditpublisher.NewChannel(inbox)
	}

	broadcaster := events.NewBroadcaster(log)
	broadcaster.Subscribe(events.AuditListener(publisher, log))

	// Per-registry stores, clients, services.
	stores := make([]store.MappingStore, 0, len(cfg.Registries))
	clients := make(map[domain.RegistryName]registry.Client, len(cfg.Registries))
	for _, rc := range cfg.Registries {
		name := domain.RegistryName(rc.Name)
		if db != nil {
			stores = append(stores, store.NewPostgres(db, name))
		} else {
			stores = append(stores, store.NewInMemory(name))
		}
		client, err := buildClient(rc, log)
		if err != nil {
			return fmt.Errorf("configure registry %s: %w", rc.Name, err)
		}
		clients[name] = client
	}

	var checker lock.Checker
	var locker service.Locker
	if redisClient != nil {
		// Redis fronted by a breaker: reads degrade to the store-derived
		// answer if Redis goes away, claims fail fast instead.
		fb := lock.NewFallbackChecker(
			lock.NewRedisChecker(redisClient.Client, cfg.Redis.LockTTL),
			lock.NewStoreChecker(stores...),
			log,
		)
		checker = fb
		locker = fb
	} else {
		checker = lock.NewStoreChecker(stores...)
	}

	services := make(map[domain.RegistryName]*service.Service, len(stores))
	webhooks := make(map[domain.RegistryName]*bridgesync.Webhook)
	for i, st := range stores {
		rc := cfg.Registries[i]
		name := st.Registry()
		opts := []service.Option{
			service.WithLogger(log.With("registry", name)),
			service.WithMetrics(bm),
			service.WithPublisher(broadcaster),
			service.WithChunkSize(cfg.Export.ChunkSize),
			service.WithImportCap(cfg.Import.Cap),
		}
		if cfg.Import.ReportConflicts {
			opts = append(opts, service.WithImportConflictReporting())
		}
		if locker != nil {
			opts = append(opts, service.WithLocker(locker))
		}
		svc := service.New(st, clients[name], checker, opts...)
		services[name] = svc

		if rc.WebhookSecret != "" {
			webhooks[name] = bridgesync.NewWebhook(svc,
				bridgesync.NewHMACVerifier([]byte(rc.WebhookSecret)),
				bridgesync.WithWebhookLogger(log.With("registry", name)),
				bridgesync.WithWebhookMetrics(bm),
			)
		}

		poller := bridgesync.NewPoller(svc, clients[name],
			bridgesync.WithPollInterval(cfg.Sync.PollInterval),
			bridgesync.WithPollerLogger(log.With("registry", name)),
			bridgesync.WithPollerMetrics(bm),
		)
		// Registries that push still get reconciliation; only the pure
		// poll loop is redundant for them.
		if rc.WebhookSecret == "" {
			g.Go(func() error { return ignoreCancel(poller.Run(ctx)) })
		}
		reconciler := bridgesync.NewReconciler(svc, poller,
			bridgesync.WithReconcileInterval(cfg.Sync.ReconcileInterval),
			bridgesync.WithReconcileAfter(cfg.Sync.ReconcileAfter),
			bridgesync.WithMaxStaleness(cfg.Sync.MaxStaleness),
			bridgesync.WithReconcilerLogger(log.With("registry", name)),
			bridgesync.WithReconcilerMetrics(bm),
		)
		g.Go(func() error { return ignoreCancel(reconciler.Run(ctx)) })
	}

	h := handler.New(services, webhooks, checker, log)

	router := chi.NewRouter()
	router.Use(requesttime.Middleware)
	router.Use(metadata.ClientMetadata)
	h.Register(router)

	if cfg.Admin.JWTSecret == "" {
		log.Warn("ADMIN_JWT_SECRET not set, admin API disabled")
	} else {
		verifier := auth.NewVerifier([]byte(cfg.Admin.JWTSecret), cfg.Admin.Issuer, cfg.Admin.Audience)
		router.Route("/admin/v1", func(r chi.Router) {
			r.Use(auth.RequireRole(verifier, "admin", log))
			h.RegisterAdmin(r)
		})
	}

	router.Handle("/metrics", platformmetrics.Handler(reg))
	router.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "redis unreachable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Server.Addr, router)
	g.Go(func() error {
		log.Info("carbonbridge listening", "addr", cfg.Server.Addr, "registries", len(cfg.Registries))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildClient constructs the wire client for one registry config.
func buildClient(rc config.Registry, log *slog.Logger) (registry.Client, error) {
	name := domain.RegistryName(rc.Name)
	switch rc.Protocol {
	case config.ProtocolREST:
		return rest.New(rest.Config{
			Name:         name,
			BaseURL:      rc.BaseURL,
			ClientID:     rc.ClientID,
			ClientSecret: rc.ClientSecret,
		}, rest.WithLogger(log.With("registry", name)))
	case config.ProtocolSOAP:
		return soap.New(soap.Config{
			Name:     name,
			Endpoint: rc.Endpoint,
			Username: rc.Username,
			Password: rc.Password,
		}, soap.WithLogger(log.With("registry", name)))
	default:
		return nil, fmt.Errorf("unknown protocol %q", rc.Protocol)
	}
}

// ignoreCancel lets background loops end quietly on shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

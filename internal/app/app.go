package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trunov/webpconv/cmd/migrate"
	"github.com/trunov/webpconv/internal/cache"
	"github.com/trunov/webpconv/internal/config"
	"github.com/trunov/webpconv/internal/coordinator"
	"github.com/trunov/webpconv/internal/downloads"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/history"
	"github.com/trunov/webpconv/internal/inflight"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/metrics"
	"github.com/trunov/webpconv/internal/prefs"
	"github.com/trunov/webpconv/internal/queue"
	"github.com/trunov/webpconv/internal/r2"
	"github.com/trunov/webpconv/internal/redisholder"
	"github.com/trunov/webpconv/internal/redismanager"
	"github.com/trunov/webpconv/internal/repository/storage"
	"github.com/trunov/webpconv/internal/transport/handler"
	"github.com/trunov/webpconv/internal/transport/router"
	webp_converter "github.com/trunov/webpconv/internal/webp-converter"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	HttpServer  *http.Server
	Coordinator *coordinator.Coordinator
	Bus         *messaging.Bus
	Hub         *messaging.Hub
	Downloads   *downloads.Manager

	cfg    *config.Config
	holder *redisholder.Holder
	local  *queue.Local
	worker *queue.Worker
	mirror *r2.Mirror

	closers []func()
	wg      sync.WaitGroup
}

// New builds every component. ctx bounds the background loops started while
// connecting (the redis health loop).
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	if cfg.Storage.Backend == "redis" || cfg.Queue.Backend == "redis" {
		holder, err := redisholder.Build(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.holder = holder
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var blobs redismanager.Registry = redismanager.NewMemory(cfg.Storage.BlobTTL*time.Second, nil)
	if cfg.Storage.Backend == "redis" {
		blobs = redismanager.NewManager(a.holder, cfg.Storage.BlobTTL*time.Second)
	}

	var q queue.Enqueuer
	switch cfg.Queue.Backend {
	case "redis":
		q = queue.NewStreamProducer(a.holder, cfg.Queue.Stream, cfg.Queue.MaxLen)
	default:
		a.local = queue.NewLocal(cfg.Queue.Buffer, cfg.Queue.Workers)
		q = a.local
	}

	a.Hub = messaging.NewHub()
	a.Bus = messaging.NewBus()

	maxSource := cfg.Converter.MaxSourceMB << 20
	a.Downloads = downloads.NewManager(cfg.Downloads.Dir, &http.Client{Timeout: cfg.Converter.FetchTimeout * time.Second}, maxSource)
	if cfg.R2.Enabled() {
		mirror, err := r2.NewMirror(ctx, cfg.R2)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mirror = mirror
		a.Downloads.SetMirror(mirror)
	}

	preferences := prefs.New(store, a.Hub)
	if _, err := preferences.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a.Coordinator = coordinator.New(coordinator.Deps{
		InFlight: inflight.New(cfg.InFlight.StaleAfter*time.Second, nil),
		Fetcher: coordinator.HTTPFetcher{
			Client:   &http.Client{Timeout: cfg.Converter.FetchTimeout * time.Second},
			MaxBytes: maxSource,
		},
		Converter: webp_converter.Converter{
			Quality:      cfg.Converter.JPEGQuality,
			MaxDimension: cfg.Converter.MaxDimension,
		},
		Downloads:  a.Downloads,
		History:    history.NewRecorder(store, a.Hub),
		Prefs:      preferences,
		Publisher:  a.Hub,
		Queue:      q,
		Blobs:      blobs,
		Metrics:    m,
		SweepEvery: cfg.InFlight.SweepInterval * time.Second,
	})
	a.Coordinator.Register(a.Bus)

	a.Downloads.SetInterceptor(func(ctx context.Context, d entities.DownloadDescriptor) bool {
		return a.Coordinator.InterceptDownload(ctx, d).CancelOriginal
	})
	if cfg.Queue.Backend == "redis" {
		a.worker = queue.NewWorker(a.holder, cfg.Queue, a.Coordinator.HandleInterceptJob)
	}

	deps := handler.Deps{
		Coordinator: a.Coordinator,
		Bus:         a.Bus,
		Downloads:   a.Downloads,
		Blobs:       blobs,
		Hub:         a.Hub,
	}
	if a.holder != nil {
		deps.Redis = a.holder
	}
	h := handler.New(deps, cfg)

	a.HttpServer = &http.Server{
		Handler:      router.NewRouter(h, m.Handler()),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return a, nil
}

func (a *App) buildStore(ctx context.Context) (cache.Store, error) {
	switch a.cfg.Storage.Backend {
	case "", "memory":
		log.Printf("[app] preferences and history kept in memory")
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewCache(a.cfg.Storage.Namespace, a.holder), nil
	case "postgres":
		if err := migrate.Migrate(a.cfg.Database.DSN, migrate.Migrations); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		repo, err := storage.New(ctx, a.cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Coordinator.Run(workCtx)
	}()

	if a.local != nil {
		a.local.Start(workCtx, a.Coordinator.HandleInterceptJob)
	}
	if a.worker != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.worker.Start(workCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[intercept-worker] stopped: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on %s", a.HttpServer.Addr)
		errCh <- a.HttpServer.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		shutCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		err = a.HttpServer.Shutdown(shutCtx)
		stop()
	}

	cancel()
	if a.local != nil {
		a.local.Wait()
	}
	a.wg.Wait()
	a.Close()
	return err
}

// Close releases connections. Run calls it on exit.
func (a *App) Close() {
	if a.mirror != nil {
		a.mirror.Close()
		a.mirror = nil
	}
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
	if a.holder != nil {
		_ = a.holder.Close()
		a.holder = nil
	}
}

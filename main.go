package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MGallo-Code/ledgersync/internal/alert"
	"github.com/MGallo-Code/ledgersync/internal/config"
	"github.com/MGallo-Code/ledgersync/internal/ledger"
	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"github.com/MGallo-Code/ledgersync/internal/notify"
	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/MGallo-Code/ledgersync/internal/webhook"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Cancel ctx on SIGINT/SIGTERM; commands shut down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "err", err)
		stop()
		os.Exit(1)
	}
}

// setupLogging installs the JSON handler at the configured level.
// Source locations are included at debug level only.
func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       cfg.LogLevel,
		AddSource:   cfg.LogLevel == slog.LevelDebug,
		ReplaceAttr: alert.ReplaceLevel,
	})))
}

// app holds the long-lived collaborators shared by every command.
type app struct {
	ps      *store.PostgresStore
	rdb     *redis.Client
	rs      *store.RedisStore
	metrics *metrics.Metrics
	client  *upstream.Client
	sync    *ledger.Synchronizer
	recon   *ledger.Reconciler
	queue   *webhook.Queue
}

// open connects to Postgres and Redis, applies migrations and builds the
// upstream and ledger layers. The caller must call close.
func open(ctx context.Context, cfg *config.Config) (*app, error) {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	applied, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		slog.Info("migrations applied", "count", applied)
	}

	// One Redis pool backs the token cache, the quota cache and the task queue.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to set up redis client: %w", err)
	}
	rs := store.NewRedisStore(rdb)
	m := metrics.New()

	tokens := upstream.NewTokenManager(cfg.LogicwareBaseURL, cfg.LogicwareAPIKey, cfg.LogicwareSubdomain, rs)
	cache := upstream.NewQuotaCache(rs, cfg.CacheMaxBytes, m)
	client := upstream.NewClient(upstream.Options{
		BaseURL:         cfg.LogicwareBaseURL,
		Subdomain:       cfg.LogicwareSubdomain,
		StockDailyLimit: int64(cfg.StockDailyLimit),
		RPS:             cfg.UpstreamRPS,
		Metrics:         m,
	}, tokens, cache)

	recon := ledger.NewReconciler(ps, client)
	return &app{
		ps:      ps,
		rdb:     rdb,
		rs:      rs,
		metrics: m,
		client:  client,
		recon:   recon,
		sync:    ledger.NewSynchronizer(ps, client, recon, m),
		queue:   webhook.NewQueue(rdb, webhook.DefaultMaxQueueSize),
	}, nil
}

func (a *app) close() {
	a.rdb.Close()
	a.ps.Close()
}

// alerter fans terminal webhook failures out to every configured sink.
// The returned func flushes sinks that hold connections.
func (a *app) alerter(cfg *config.Config) (alert.Alerter, func()) {
	sinks := []alert.Sink{{Name: "log", Alerter: alert.NewLog(slog.Default())}}
	closers := []func(){}

	if cfg.AlertNotifyURL != "" {
		n := alert.NewNotifier(notify.NewClient(cfg.AlertNotifyURL), cfg.AlertRecipient)
		sinks = append(sinks, alert.Sink{Name: "notify", Alerter: n})
	}
	if cfg.AlertSMTPHost != "" {
		e := alert.NewEmail(alert.SMTPConfig{
			Host:        cfg.AlertSMTPHost,
			Port:        cfg.AlertSMTPPort,
			Username:    cfg.AlertSMTPUsername,
			Password:    cfg.AlertSMTPPassword,
			FromAddress: cfg.AlertEmailFrom,
			To:          cfg.AlertEmailTo,
		})
		sinks = append(sinks, alert.Sink{Name: "email", Alerter: e})
	}
	if len(cfg.AlertKafkaBrokers) > 0 {
		w := alert.NewKafkaWriter(cfg.AlertKafkaBrokers, cfg.AlertKafkaTopic)
		sinks = append(sinks, alert.Sink{Name: "kafka", Alerter: alert.NewStream(w)})
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				slog.Warn("closing alert stream", "error", err)
			}
		})
	}

	return alert.NewMulti(a.metrics, sinks...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// run starts the webhook receiver, the queue workers and the recovery sweep,
// and blocks until ctx is cancelled or one of them fails.
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	alerter, flush := a.alerter(cfg)
	defer flush()

	router := webhook.NewRouter(a.sync, a.recon, a.ps)
	proc := webhook.NewProcessor(a.ps, router, a.queue, alerter, webhook.ProcessorOptions{
		MaxRetries: cfg.WebhookMaxRetries,
		Backoff:    cfg.WebhookBackoff,
		Metrics:    a.metrics,
	})

	recovery := webhook.NewRecovery(a.ps, a.queue)
	// A failed row is only stranded once its scheduled retry is overdue.
	if longest := maxDuration(cfg.WebhookBackoff) + 15*time.Minute; longest > recovery.FailedAfter {
		recovery.FailedAfter = longest
	}

	h := &webhook.Handler{
		Logs:       a.ps,
		Queue:      a.queue,
		Secret:     cfg.WebhookSecret,
		AdminToken: cfg.AdminToken,
		Metrics:    a.metrics,
		PS:         a.ps,
		RS:         a.rs,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{Handler: buildRouter(h, a.metrics)}

	g, gctx := errgroup.WithContext(ctx)

	workers := max(cfg.WebhookWorkers, 1)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			a.queue.RunWorker(gctx, proc.Handle)
			return nil
		})
	}
	g.Go(func() error {
		recovery.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("ledgersync listening", "addr", ln.Addr().String(), "workers", workers)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		// In-flight requests get 30s to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func maxDuration(ds []time.Duration) time.Duration {
	var longest time.Duration
	for _, d := range ds {
		longest = max(longest, d)
	}
	return longest
}

// buildRouter wires all routes and middleware.
// Called from run() and from the smoke tests.
func buildRouter(h *webhook.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Post("/webhooks/logicware", h.Receive)

	// Admin routes exist only when a token is configured.
	if h.AdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/webhooks/logicware/{id}", h.GetLog)
			r.Post("/webhooks/logicware/{id}/replay", h.Replay)
		})
	}

	return r
}

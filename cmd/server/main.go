// Command server runs the Midpen tracker API: Strava OAuth and webhooks
// in, Cloud Tasks callbacks for the heavy lifting, and a small JSON API
// for the frontend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/migrate"

	"github.com/rolandd/midpen-tracker/activity"
	authgin "github.com/rolandd/midpen-tracker/adapters/gin"
	"github.com/rolandd/midpen-tracker/authstate"
	"github.com/rolandd/midpen-tracker/config"
	migrations "github.com/rolandd/midpen-tracker/migrations/postgres"
	"github.com/rolandd/midpen-tracker/oidc"
	"github.com/rolandd/midpen-tracker/preserve"
	memorylimiter "github.com/rolandd/midpen-tracker/ratelimit/memory"
	redislimiter "github.com/rolandd/midpen-tracker/ratelimit/redis"
	"github.com/rolandd/midpen-tracker/secrets"
	memorystore "github.com/rolandd/midpen-tracker/storage/memory"
	redisstore "github.com/rolandd/midpen-tracker/storage/redis"
	"github.com/rolandd/midpen-tracker/store"
	"github.com/rolandd/midpen-tracker/strava"
	"github.com/rolandd/midpen-tracker/tasks"
)

// staleBackfillCutoff is how long a pending-backfill counter may sit
// unchanged before the nightly sweep assumes its tasks were lost.
const staleBackfillCutoff = 24 * time.Hour

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	if os.Getenv("LOG_LEVEL") == "debug" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Server exited")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	box, err := secrets.New(cfg.TokenSealKey)
	if err != nil {
		return fmt.Errorf("token seal key: %w", err)
	}

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	preserves, err := preserve.LoadFile(cfg.PreservesGeoJSON)
	if err != nil {
		return fmt.Errorf("loading preserves: %w", err)
	}

	var (
		states  authstate.Cache
		limiter authgin.RateLimiter
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		states = redisstore.NewStateCache(rdb, "", authstate.DefaultTTL)
		limiter = redislimiter.New(rdb, redisLimits())
		logrus.WithField("addr", cfg.RedisAddr).Info("Using Redis state cache and limiter")
	} else {
		mem := memorystore.NewStateCache(authstate.DefaultTTL)
		defer mem.Close()
		states = mem
		limiter = memorylimiter.New(memoryLimits())
		logrus.Info("No REDIS_ADDR, using in-memory state cache and limiter")
	}

	stravaClient := strava.NewClient(cfg.StravaClientID, cfg.StravaClientSecret)
	stravaSvc := strava.NewService(stravaClient, st, box)

	producer := tasks.NewProducer(cfg.QueuePath(), cfg.APIURL, cfg.ServiceAccountEmail())
	processor := activity.NewProcessor(stravaSvc, preserves, st)
	backfill := activity.NewBackfill(stravaSvc, st, producer)

	verifier, err := oidc.New(oidc.Config{
		Audience:            cfg.APIURL,
		ServiceAccountEmail: cfg.ServiceAccountEmail(),
	})
	if err != nil {
		return fmt.Errorf("task verifier: %w", err)
	}

	router := authgin.Router(&authgin.Deps{
		Config:    cfg,
		DB:        st,
		Strava:    stravaSvc,
		Preserves: preserves,
		Tasks:     producer,
		Processor: processor,
		Backfill:  backfill,
		Verifier:  verifier,
		States:    states,
		Limiter:   limiter,
	})

	sched := cron.New()
	// 03:30 UTC: reset pending-backfill counters with no recent progress.
	_, err = sched.AddFunc("30 3 * * *", func() { sweepStaleBackfills(st) })
	if err != nil {
		return fmt.Errorf("scheduling backfill sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("port", cfg.Port).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openDatabase connects through pgx, verifies the connection, and runs
// any pending migrations.
func openDatabase(ctx context.Context, dsn string) (*bun.DB, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	sqldb := stdlib.OpenDB(*connCfg)
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(5)
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("migration init: %w", err)
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		logrus.Info("Database schema up to date")
	} else {
		logrus.WithField("group", group.String()).Info("Applied migrations")
	}
	return db, nil
}

// sweepStaleBackfills clears pending counters whose tasks evidently
// never completed, so the UI stops reporting progress that will not
// come.
func sweepStaleBackfills(st *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	athletes, err := st.ListStalePendingBackfills(ctx, time.Now().Add(-staleBackfillCutoff))
	if err != nil {
		logrus.WithError(err).Error("Stale backfill sweep failed")
		return
	}
	for _, id := range athletes {
		if err := st.ResetPendingBackfill(ctx, id); err != nil {
			logrus.WithError(err).WithField("athlete_id", id).Error("Could not reset pending backfill")
			continue
		}
		logrus.WithField("athlete_id", id).Info("Reset stale pending backfill")
	}
}

func redisLimits() map[string]redislimiter.Limit {
	return map[string]redislimiter.Limit{
		authgin.RLAuthStart: {Limit: 10, Window: time.Minute},
		authgin.RLWebhook:   {Limit: 300, Window: time.Minute},
		authgin.RLAPI:       {Limit: 120, Window: time.Minute},
		"default":           {Limit: 100, Window: time.Minute},
	}
}

func memoryLimits() map[string]memorylimiter.Limit {
	return map[string]memorylimiter.Limit{
		authgin.RLAuthStart: {Limit: 10, Window: time.Minute},
		authgin.RLWebhook:   {Limit: 300, Window: time.Minute},
		authgin.RLAPI:       {Limit: 120, Window: time.Minute},
		"default":           {Limit: 100, Window: time.Minute},
	}
}

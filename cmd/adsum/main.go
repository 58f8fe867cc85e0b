package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/auth"
	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/config"
	"github.com/Spok95/adsum/internal/db"
	"github.com/Spok95/adsum/internal/httpapi"
	"github.com/Spok95/adsum/internal/jobs"
	"github.com/Spok95/adsum/internal/logging"
	"github.com/Spok95/adsum/internal/observability"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/reconcile"
	"github.com/Spok95/adsum/internal/roster"
	"github.com/Spok95/adsum/internal/session"
	"github.com/Spok95/adsum/internal/store"
	"github.com/Spok95/adsum/internal/submission"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Не удалось загрузить .env файл, используем переменные окружения")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Closer()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		lg.Base.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		observability.CaptureErr(err)
		lg.Base.Error("adsum stopped with error", zap.Error(err))
		os.Exit(1)
	}
	lg.Base.Info("adsum stopped")
}

// backend — собранное хранилище и то, что нужно закрыть при выходе.
type backend struct {
	store  store.Store
	health httpapi.Pinger
	close  func()
}

func run(ctx context.Context, cfg *config.Config, lg *logging.Log) error {
	be, err := openBackend(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer be.close()

	runner := jobs.New(ctx, lg.Named("jobs"))

	// маяк на сервере не поднимаем: транслирует устройство преподавателя
	mgr := session.NewManager(be.store, runner, session.Config{
		Period:     cfg.CodeRotationPeriod,
		ServiceID:  cfg.BeaconServiceID,
		GPSTimeout: cfg.GPSTimeout,
		LeaseTTL:   cfg.SessionLeaseTTL,
	}, session.WithLogger(lg.Named("session")))

	if _, err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recover live sessions: %w", err)
	}
	// подбираем сессии, чья аренда истекла у упавшего соседа
	stopClaims := runner.Every(cfg.SessionLeaseTTL/2, "session_claim", func(ctx context.Context) error {
		_, err := mgr.Recover(ctx)
		return err
	})

	hub := roster.NewHub(be.store, lg.Named("roster"))
	rec := reconcile.New(be.store, lg.Named("reconcile"))
	rec.OnChange(hub.Refresh)
	sub := submission.New(be.store, proximity.GeofenceSignal{
		RadiusM: cfg.GeofenceRadiusM,
		Timeout: cfg.GPSTimeout,
	}, lg.Named("submission"))

	srv := httpapi.NewServer(httpapi.Deps{
		Store:      be.store,
		Sessions:   mgr,
		Submission: sub,
		Reconcile:  rec,
		Roster:     hub,
		Issuer: auth.Issuer{
			Key:    []byte(cfg.JWTSigningKey),
			Issuer: cfg.JWTIssuer,
			TTL:    cfg.AccessTTL,
		},
		Location:  cfg.Location,
		Health:    be.health,
		Log:       lg.Named("http"),
		WSOrigins: cfg.WSOrigins,
	})

	hs := httpapi.Serve(ctx, cfg.HTTPAddr, srv.Router(), lg.Named("http"))
	lg.Base.Info("adsum started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("feed", cfg.FeedBackend),
		zap.String("version", version),
	)

	<-ctx.Done()
	lg.Base.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopClaims()
	mgr.Shutdown(shCtx)
	runner.Wait()
	hs.Wait()
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, lg *logging.Log) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		mem := store.NewMemory()
		if cfg.SeedFile != "" {
			sd, err := db.ReadSeedFile(cfg.SeedFile)
			if err != nil {
				return nil, err
			}
			sd.ApplyMemory(mem)
		}
		lg.Base.Warn("in-memory store: data is lost on restart")
		return &backend{
			store:  mem,
			health: func(context.Context) error { return nil },
			close:  func() { _ = mem.Close() },
		}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	feed, ping, err := openFeed(cfg, pool, lg.Named("changefeed"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	st := db.New(pool, feed, lg.Named("db"))

	if cfg.SeedFile != "" {
		sd, err := db.ReadSeedFile(cfg.SeedFile)
		if err == nil {
			err = st.ApplySeed(ctx, sd)
		}
		if err != nil {
			_ = feed.Close()
			pool.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}

	return &backend{
		store: st,
		health: func(ctx context.Context) error {
			return errors.Join(db.Ping(ctx, pool), ping(ctx))
		},
		close: func() {
			_ = feed.Close()
			pool.Close()
		},
	}, nil
}

func openFeed(cfg *config.Config, pool *pgxpool.Pool, log *zap.Logger) (changefeed.Feed, httpapi.Pinger, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.FeedBackend {
	case config.BackendRedis:
		rf := changefeed.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), log)
		return rf, func(ctx context.Context) error {
			if !rf.Healthy(ctx) {
				return errors.New("redis: ping failed")
			}
			return nil
		}, nil
	case config.BackendPostgres:
		return changefeed.NewPostgres(pool, log), noop, nil
	case config.BackendMemory:
		return changefeed.NewMemory(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown feed backend %q", cfg.FeedBackend)
}

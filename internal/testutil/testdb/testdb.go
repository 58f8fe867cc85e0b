//go:build testutil
// +build testutil

package testdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Spok95/adsum/internal/db"
)

// DBHandle — одноразовый postgres в контейнере с накатанными миграциями.
type DBHandle struct {
	DB *sql.DB
	// DSN — для pgxpool в тестах хранилища и ленты изменений.
	DSN    string
	cancel func()
	stop   func(context.Context) error
}

func (h *DBHandle) Close() {
	if h.DB != nil {
		_ = h.DB.Close()
	}
	if h.stop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.stop(ctx)
	}
	if h.cancel != nil {
		h.cancel()
	}
}

func Start(ctx context.Context) (*DBHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)

	pg, err := postgres.RunContainer(ctx,
		tc.WithImage("postgres:17-alpine"),
		postgres.WithDatabase("adsum"),
		postgres.WithUsername("adsum"),
		postgres.WithPassword("adsum"),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (*DBHandle, error) {
		_ = pg.Terminate(context.Background())
		cancel()
		return nil, err
	}

	uri, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fail(err)
	}

	sqlDB, err := sql.Open("postgres", uri)
	if err != nil {
		return fail(err)
	}
	if err := waitReady(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return fail(err)
	}
	if err := db.MigrateSQL(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return fail(err)
	}

	return &DBHandle{
		DB:     sqlDB,
		DSN:    uri,
		cancel: cancel,
		stop:   pg.Terminate,
	}, nil
}

// Truncate чистит данные между тестами, схему не трогает.
func (h *DBHandle) Truncate(ctx context.Context) error {
	_, err := h.DB.ExecContext(ctx, `TRUNCATE attendance, sessions, classrooms, profiles CASCADE`)
	return err
}

func waitReady(ctx context.Context, sqlDB *sql.DB) error {
	dead := time.Now().Add(20 * time.Second)
	for time.Now().Before(dead) {
		if err := sqlDB.PingContext(ctx); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("db not ready")
}

package db

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Spok95/adsum/internal/db/migrations"
)

func init() {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		panic(err)
	}
}

// Migrate накатывает встроенные миграции поверх пула.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer func() { _ = sqlDB.Close() }()
	return MigrateSQL(ctx, sqlDB)
}

// MigrateSQL — то же для готового *sql.DB (тесты, adsumctl).
func MigrateSQL(ctx context.Context, sqlDB *sql.DB) error {
	return goose.UpContext(ctx, sqlDB, ".")
}

func MigrateDown(ctx context.Context, sqlDB *sql.DB) error {
	return goose.DownContext(ctx, sqlDB, ".")
}

func MigrationStatus(ctx context.Context, sqlDB *sql.DB) error {
	return goose.StatusContext(ctx, sqlDB, ".")
}

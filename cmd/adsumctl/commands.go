package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/auth"
	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/db"
	"github.com/Spok95/adsum/internal/export"
	"github.com/Spok95/adsum/internal/models"
)

type rootOpts struct {
	databaseURL string
	timeout     time.Duration
}

func newRootCmd() *cobra.Command {
	o := &rootOpts{}
	root := &cobra.Command{
		Use:           "adsumctl",
		Short:         "Обслуживание сервиса посещаемости: миграции, выгрузки, токены",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "строка подключения к PostgreSQL")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "общий таймаут команды")

	root.AddCommand(newMigrateCmd(o), newExportCmd(o), newSeedCmd(o), newTokenCmd())
	return root
}

func (o *rootOpts) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func (o *rootOpts) sqlDB() (*sql.DB, error) {
	if o.databaseURL == "" {
		return nil, errors.New("--database-url or DATABASE_URL is required")
	}
	return sql.Open("postgres", o.databaseURL)
}

// store — хранилище без ленты изменений: CLI никого не слушает.
func (o *rootOpts) store(ctx context.Context) (*db.Store, func(), error) {
	if o.databaseURL == "" {
		return nil, nil, errors.New("--database-url or DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, o.databaseURL)
	if err != nil {
		return nil, nil, err
	}
	feed := changefeed.NewMemory()
	return db.New(pool, feed, zap.NewNop()), func() {
		_ = feed.Close()
		pool.Close()
	}, nil
}

func newMigrateCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Миграции схемы",
	}
	step := func(use, short string, fn func(context.Context, *sql.DB) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := o.context(cmd)
				defer cancel()
				sqlDB, err := o.sqlDB()
				if err != nil {
					return err
				}
				defer func() { _ = sqlDB.Close() }()
				return fn(ctx, sqlDB)
			},
		}
	}
	cmd.AddCommand(
		step("up", "Накатить все миграции", db.MigrateSQL),
		step("down", "Откатить последнюю миграцию", db.MigrateDown),
		step("status", "Показать состояние миграций", db.MigrationStatus),
	)
	return cmd
}

func newExportCmd(o *rootOpts) *cobra.Command {
	var out, tz string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Выгрузить посещаемость занятия в xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			st, closeStore, err := o.store(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			rep, err := export.SessionReport(ctx, st, args[0], loc)
			if err != nil {
				return err
			}
			defer func() { _ = rep.Close() }()

			if out == "" {
				out = rep.Filename
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := rep.Write(f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "файл отчёта (по умолчанию имя из названия занятия)")
	cmd.Flags().StringVar(&tz, "tz", envOr("TZ", "UTC"), "часовой пояс отметок в отчёте")
	return cmd
}

func newSeedCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Залить профили и аудитории из JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := db.ReadSeedFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			st, closeStore, err := o.store(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.ApplySeed(ctx, sd); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "users: %d, classrooms: %d\n", len(sd.Users), len(sd.Classrooms))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
		key  string
		iss  string
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Выпустить токен доступа (dev, интеграционные проверки)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("--role: unknown role %q", role)
			}
			tok, err := auth.Issuer{Key: []byte(key), Issuer: iss, TTL: ttl}.Issue(args[0], r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.Student), "student|teacher|admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "время жизни токена")
	cmd.Flags().StringVar(&key, "key", os.Getenv("JWT_SIGNING_KEY"), "ключ подписи HS256")
	cmd.Flags().StringVar(&iss, "issuer", envOr("JWT_ISSUER", "adsum"), "issuer токена")
	return cmd
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/store"
)

// Store — реализация store.Store поверх PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	feed changefeed.Feed
	log  *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, feed changefeed.Feed, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, feed: feed, log: log}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) SubscribeRowChanges(ctx context.Context, table string, f changefeed.Filter, fn changefeed.Handler) (func(), error) {
	return s.feed.Subscribe(ctx, table, f, fn)
}

// publish — запись уже закоммичена, поэтому сбой уведомления только логируем:
// ростер догонит при следующем изменении или явном опросе.
func (s *Store) publish(ctx context.Context, c changefeed.Change) {
	if err := s.feed.Publish(ctx, c); err != nil {
		s.log.Warn("changefeed publish failed",
			zap.String("table", c.Table), zap.String("session_id", c.SessionID), zap.Error(err))
	}
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// notFound переводит «нет строки» и «кривой uuid» в store.ErrNotFound.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || pgCode(err) == pgInvalidText
}

// storeErr помечает сбой связи с базой как store.ErrUnavailable. Ошибки данных
// (нарушения ограничений, нет строки, отмена запроса) возвращаются как есть.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrSessionEnded) || errors.Is(err, store.ErrNotOwner) ||
		errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	if code := pgCode(err); code != "" && !transientPgCode(code) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

// transientPgCode: обрыв соединения, нехватка ресурсов, остановка сервера,
// конфликт сериализации и дедлок — повтор может пройти.
func transientPgCode(code string) bool {
	for _, prefix := range []string{"08", "53", "57P", "40001", "40P01"} {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/store"
)

// ClaimSession — условный UPDATE: аренду получает owner, если она свободна,
// истекла или уже принадлежит ему. Часы — время сервера БД, не процесса.
func (s *Store) ClaimSession(ctx context.Context, id, owner string, ttl time.Duration) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET owner_id = $2, lease_until = now() + make_interval(secs => $3)
		WHERE id = $1 AND status <> 'ended'
		  AND (owner_id IS NULL OR owner_id = $2 OR lease_until IS NULL OR lease_until < now())`,
		id, owner, ttl.Seconds())
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseConflict(ctx, id)
	}
	return nil
}

// WriteCode пишет код только пока owner держит аренду и продлевает её.
func (s *Store) WriteCode(ctx context.Context, id, owner, code string, ttl time.Duration) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET active_code = $3, lease_until = now() + make_interval(secs => $4)
		WHERE id = $1 AND owner_id = $2 AND status <> 'ended'`,
		id, owner, code, ttl.Seconds())
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseConflict(ctx, id)
	}
	s.publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpUpdate, SessionID: id})
	return nil
}

func (s *Store) ReleaseSession(ctx context.Context, id, owner string) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET owner_id = NULL, lease_until = NULL WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil && !notFound(err) {
		return storeErr(err)
	}
	return nil
}

// leaseConflict объясняет, почему условный UPDATE не задел строку.
func (s *Store) leaseConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	switch {
	case notFound(err):
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	case err != nil:
		return storeErr(err)
	case status == "ended":
		return fmt.Errorf("session %s: %w", id, store.ErrSessionEnded)
	}
	return fmt.Errorf("session %s: %w", id, store.ErrNotOwner)
}

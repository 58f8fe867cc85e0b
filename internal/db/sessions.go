package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/store"
)

const sessionColumns = `id::text, COALESCE(teacher_id::text, ''), class_name, room, gps_lat, gps_long,
	active_code, is_active, hardware_required, geofence_mode, status, created_at, started_at, ended_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s        models.Session
		lat, lon *float64
	)
	err := row.Scan(&s.ID, &s.TeacherID, &s.ClassName, &s.Room, &lat, &lon,
		&s.ActiveCode, &s.IsActive, &s.HardwareRequired, &s.GeofenceMode, &s.Status,
		&s.CreatedAt, &s.StartedAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		s.Anchor = &geo.Point{Lat: *lat, Lon: *lon}
	}
	return &s, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return nil, storeErr(err)
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, in models.Session) (*models.Session, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	if in.GeofenceMode == "" {
		in.GeofenceMode = models.GeofenceLocked
	}
	if in.Status == "" {
		in.Status = models.StatusDraft
	}
	var lat, lon *float64
	if in.Anchor != nil {
		lat, lon = &in.Anchor.Lat, &in.Anchor.Lon
	}
	var teacher *string
	if in.TeacherID != "" {
		teacher = &in.TeacherID
	}
	var id *string
	if in.ID != "" {
		id = &in.ID
	}
	out, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, teacher_id, class_name, room, gps_lat, gps_long,
		                      active_code, is_active, hardware_required, geofence_mode, status)
		VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+sessionColumns,
		id, teacher, in.ClassName, in.Room, lat, lon,
		in.ActiveCode, in.IsActive, in.HardwareRequired, string(in.GeofenceMode), string(in.Status)))
	if err != nil {
		return nil, storeErr(err)
	}
	s.publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpInsert, SessionID: out.ID})
	return out, nil
}

// UpdateSession — частичное обновление; завершённые сессии не трогаем.
func (s *Store) UpdateSession(ctx context.Context, id string, p models.SessionPatch) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	sets := make([]string, 0, 8)
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.ActiveCode != nil {
		add("active_code", *p.ActiveCode)
	}
	if p.IsActive != nil {
		add("is_active", *p.IsActive)
	}
	if p.HardwareRequired != nil {
		add("hardware_required", *p.HardwareRequired)
	}
	if p.GeofenceMode != nil {
		add("geofence_mode", string(*p.GeofenceMode))
	}
	if p.Anchor != nil {
		add("gps_lat", p.Anchor.Lat)
		add("gps_long", p.Anchor.Lon)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.EndedAt != nil {
		add("ended_at", *p.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND status <> 'ended'`, args...)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		// либо нет такой сессии, либо она уже завершена
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
		if notFound(err) {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return storeErr(err)
		}
		return fmt.Errorf("session %s: %w", id, store.ErrSessionEnded)
	}
	s.publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpUpdate, SessionID: id})
	return nil
}

func (s *Store) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'live' AND is_active
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	out := make([]models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, *sess)
	}
	return out, storeErr(rows.Err())
}

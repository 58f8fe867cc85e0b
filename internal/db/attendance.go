package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/store"
)

const insertAttendanceSQL = `
	INSERT INTO attendance (session_id, student_id, status, verification_method, location_verified, bluetooth_verified)
	VALUES ($1, $2, 'present', $3, $4, $5)
	ON CONFLICT (session_id, student_id) DO NOTHING`

// InsertAttendanceIfAbsent — первый писатель выигрывает, остальные получают created=false.
func (s *Store) InsertAttendanceIfAbsent(ctx context.Context, a models.NewAttendance) (bool, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, insertAttendanceSQL,
		a.SessionID, a.StudentID, string(a.Method), a.LocationVerified, a.BluetoothVerified)
	if err != nil {
		return false, attendanceErr(err, a)
	}
	created := tag.RowsAffected() == 1
	if created {
		s.publish(ctx, changefeed.Change{
			Table: changefeed.TableAttendance, Op: changefeed.OpInsert,
			SessionID: a.SessionID, StudentID: a.StudentID,
		})
	}
	return created, nil
}

// InsertAttendanceBatch — пачечная вставка в одной транзакции.
// Конфликты по (session_id, student_id) игнорируются построчно (idempotent).
func (s *Store) InsertAttendanceBatch(ctx context.Context, rows []models.NewAttendance) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, storeErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created := make([]models.NewAttendance, 0, len(rows))
	for _, a := range rows {
		tag, err := tx.Exec(ctx, insertAttendanceSQL,
			a.SessionID, a.StudentID, string(a.Method), a.LocationVerified, a.BluetoothVerified)
		if err != nil {
			return 0, attendanceErr(err, a)
		}
		if tag.RowsAffected() == 1 {
			created = append(created, a)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr(err)
	}
	for _, a := range created {
		s.publish(ctx, changefeed.Change{
			Table: changefeed.TableAttendance, Op: changefeed.OpInsert,
			SessionID: a.SessionID, StudentID: a.StudentID,
		})
	}
	return len(created), nil
}

func (s *Store) DeleteAttendance(ctx context.Context, sessionID, studentID string) (bool, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM attendance WHERE session_id = $1 AND student_id = $2`, sessionID, studentID)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, storeErr(err)
	}
	removed := tag.RowsAffected() > 0
	if removed {
		s.publish(ctx, changefeed.Change{
			Table: changefeed.TableAttendance, Op: changefeed.OpDelete,
			SessionID: sessionID, StudentID: studentID,
		})
	}
	return removed, nil
}

func (s *Store) CountAttendance(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM attendance WHERE session_id = $1`, sessionID).Scan(&n)
	if notFound(err) {
		return 0, nil
	}
	return n, storeErr(err)
}

func (s *Store) ListAttendance(ctx context.Context, sessionID string) ([]models.AttendeeRow, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT a.id::text, a.session_id::text, a.student_id::text, a.status, a.verification_method,
		       a.location_verified, a.bluetooth_verified, a.marked_at, COALESCE(p.full_name, '')
		FROM attendance a
		LEFT JOIN profiles p ON p.id = a.student_id
		WHERE a.session_id = $1
		ORDER BY a.marked_at DESC`, sessionID)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []models.AttendeeRow
	for rows.Next() {
		var r models.AttendeeRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.Status, &r.Method,
			&r.LocationVerified, &r.BluetoothVerified, &r.MarkedAt, &r.StudentName); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, r)
	}
	return out, storeErr(rows.Err())
}

func (s *Store) ListStudentAttendance(ctx context.Context, studentID string) ([]models.HistoryRow, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT a.id::text, a.session_id::text, a.student_id::text, a.status, a.verification_method,
		       a.location_verified, a.bluetooth_verified, a.marked_at,
		       s.class_name, s.room, s.created_at
		FROM attendance a
		JOIN sessions s ON s.id = a.session_id
		WHERE a.student_id = $1
		ORDER BY a.marked_at DESC`, studentID)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []models.HistoryRow
	for rows.Next() {
		var r models.HistoryRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.Status, &r.Method,
			&r.LocationVerified, &r.BluetoothVerified, &r.MarkedAt,
			&r.ClassName, &r.Room, &r.SessionCreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, r)
	}
	return out, storeErr(rows.Err())
}

// attendanceErr: ссылка на несуществующую сессию/студента — это ErrNotFound, а не сбой хранилища.
func attendanceErr(err error, a models.NewAttendance) error {
	switch pgCode(err) {
	case pgForeignKeyViolation, pgInvalidText:
		return fmt.Errorf("attendance %s/%s: %w", a.SessionID, a.StudentID, store.ErrNotFound)
	case pgUniqueViolation:
		// ON CONFLICT уже гасит дубликаты; сюда попадаем только при гонке с другим ограничением
		return fmt.Errorf("attendance %s/%s: duplicate: %w", a.SessionID, a.StudentID, err)
	}
	return storeErr(err)
}

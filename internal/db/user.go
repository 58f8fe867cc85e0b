package db

import (
	"context"
	"fmt"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/store"
)

func (s *Store) CountStudents(ctx context.Context) (int, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM profiles WHERE role = 'student'`).Scan(&n)
	return n, storeErr(err)
}

func (s *Store) ListStudents(ctx context.Context) ([]models.User, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, full_name, role FROM profiles
		WHERE role = 'student'
		ORDER BY lower(full_name), id`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Role); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, u)
	}
	return out, storeErr(rows.Err())
}

// UpsertUser — профили заводит внешний сервис аутентификации; здесь для сидов и тестов.
func (s *Store) UpsertUser(ctx context.Context, u models.User) (string, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	var id *string
	if u.ID != "" {
		id = &u.ID
	}
	var out string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, full_name, role)
		VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3)
		ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name, role = EXCLUDED.role
		RETURNING id::text`, id, u.FullName, string(u.Role)).Scan(&out)
	return out, storeErr(err)
}

func (s *Store) GetClassroom(ctx context.Context, room string) (*models.Classroom, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	c := models.Classroom{RoomName: room}
	err := s.pool.QueryRow(ctx,
		`SELECT gps_lat, gps_long FROM classrooms WHERE room_name = $1`, room).
		Scan(&c.Position.Lat, &c.Position.Lon)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("classroom %q: %w", room, store.ErrNotFound)
		}
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *Store) UpsertClassroom(ctx context.Context, room string, pos geo.Point) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO classrooms (room_name, gps_lat, gps_long) VALUES ($1, $2, $3)
		ON CONFLICT (room_name) DO UPDATE SET gps_lat = EXCLUDED.gps_lat, gps_long = EXCLUDED.gps_long`,
		room, pos.Lat, pos.Lon)
	return storeErr(err)
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/store"
)

// Seed — справочники (профили и аудитории) для dev-окружения и тестов.
type Seed struct {
	Users      []models.User      `json:"users"`
	Classrooms []models.Classroom `json:"classrooms"`
}

func ReadSeed(r io.Reader) (Seed, error) {
	var sd Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sd); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for i, u := range sd.Users {
		if u.FullName == "" || !u.Role.Valid() {
			return Seed{}, fmt.Errorf("seed user #%d: bad name or role %q", i, u.Role)
		}
	}
	for i, c := range sd.Classrooms {
		if c.RoomName == "" || !c.Position.Valid() {
			return Seed{}, fmt.Errorf("seed classroom #%d: bad room or position", i)
		}
	}
	return sd, nil
}

func ReadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer func() { _ = f.Close() }()
	return ReadSeed(f)
}

// ApplySeed заливает справочники в Postgres; повторный запуск безопасен.
func (s *Store) ApplySeed(ctx context.Context, sd Seed) error {
	for _, u := range sd.Users {
		if _, err := s.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.FullName, err)
		}
	}
	for _, c := range sd.Classrooms {
		if err := s.UpsertClassroom(ctx, c.RoomName, c.Position); err != nil {
			return fmt.Errorf("seed classroom %s: %w", c.RoomName, err)
		}
	}
	return nil
}

// ApplyMemory — то же для хранилища в памяти.
func (sd Seed) ApplyMemory(m *store.Memory) {
	for _, u := range sd.Users {
		m.AddUser(u)
	}
	for _, c := range sd.Classrooms {
		m.AddClassroom(c)
	}
}

// Package changefeed доставляет уведомления об изменении строк
// (subscribe-to-row-changes) подписчикам: в процессе, через Postgres
// LISTEN/NOTIFY или через Redis Pub/Sub.
package changefeed

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TableAttendance = "attendance"
	TableSessions   = "sessions"

	// Channel — канал NOTIFY / Pub/Sub для всех изменений.
	Channel = "adsum_row_changes"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Change struct {
	Table     string    `json:"table"`
	Op        Op        `json:"op"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id,omitempty"`
	At        time.Time `json:"at"`
}

// Filter — равенство по одному столбцу; пустой Field пропускает всё.
type Filter struct {
	Field string
	Value string
}

func BySession(id string) Filter { return Filter{Field: "session_id", Value: id} }

func (f Filter) Match(c Change) bool {
	switch f.Field {
	case "":
		return true
	case "session_id":
		return c.SessionID == f.Value
	case "student_id":
		return c.StudentID == f.Value
	}
	return false
}

type Handler func(Change)

// Feed — публикация и подписка на изменения строк.
type Feed interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, table string, f Filter, fn Handler) (unsubscribe func(), err error)
	Close() error
}

func encode(c Change) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string) (Change, error) {
	var c Change
	err := json.Unmarshal([]byte(s), &c)
	return c, err
}

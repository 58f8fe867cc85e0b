package ctxutil

import (
	"context"
	"time"

	"github.com/Spok95/adsum/internal/models"
)

// приватные ключи, чтобы исключить коллизии
type key int

const (
	keyUserID key = iota
	keyRole
	keyOpName
)

// WithUserID /UserID — идентичность текущего пользователя (currentUserId).
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

func UserID(ctx context.Context) (string, bool) {
	v := ctx.Value(keyUserID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// WithRole /Role — роль из токена.
func WithRole(ctx context.Context, role models.Role) context.Context {
	return context.WithValue(ctx, keyRole, role)
}

func Role(ctx context.Context) (models.Role, bool) {
	v := ctx.Value(keyRole)
	if v == nil {
		return "", false
	}
	r, ok := v.(models.Role)
	return r, ok
}

// WithOp /Op — имя операции (для логов/трейса)
func WithOp(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyOpName, name)
}

func Op(ctx context.Context) (string, bool) {
	v := ctx.Value(keyOpName)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Таймауты: общий и для БД.
var (
	DefaultDBTimeout = 5 * time.Second
)

// WithTimeout — удобная обёртка над context.WithTimeout.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		// d<=0 — без таймаута
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// WithDBTimeout — стандартный таймаут для БД.
func WithDBTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		// если у родителя осталось меньше DefaultDBTimeout — берем остаток
		remain := time.Until(dl)
		if remain < DefaultDBTimeout {
			return context.WithTimeout(parent, remain)
		}
	}
	return context.WithTimeout(parent, DefaultDBTimeout)
}

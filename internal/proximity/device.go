// Package proximity оценивает сигналы близости к преподавателю:
// BLE-маяк и геозону. Оба сигнала мягкие: таймаут или отказ датчика
// дают «не подтверждено», а не ошибку.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Spok95/adsum/internal/geo"
)

// ErrPermissionDenied — нет разрешения на радио/геолокацию (FatalPrecondition).
var ErrPermissionDenied = errors.New("proximity: permission denied")

var ErrNoPosition = errors.New("proximity: position unavailable")

const (
	// DefaultServiceID — сервисный UUID, который рекламирует устройство преподавателя.
	DefaultServiceID = "0000AD50-0000-1000-8000-00805F9B34FB"

	bluetoothBaseSuffix = "-0000-1000-8000-00805F9B34FB"
)

// DefaultPayload — данные производителя в рекламном пакете маяка.
var DefaultPayload = []byte{12, 34}

type Advertisement struct {
	DeviceID     string
	ServiceUUIDs []string
	RSSI         int
}

// Scanner — BLE-сканер хоста. Хост обязан остановить радио и закрыть канал,
// как только ctx отменён.
type Scanner interface {
	Scan(ctx context.Context) (<-chan Advertisement, error)
}

// Locator — получение текущей позиции; должен уважать отмену ctx.
type Locator interface {
	CurrentPosition(ctx context.Context) (geo.Point, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, serviceID string, payload []byte) error
	StopBroadcast(ctx context.Context) error
}

// ReportedPosition — позиция, присланная клиентом; для серверной проверки геозоны.
type ReportedPosition struct {
	Point *geo.Point
}

func (r ReportedPosition) CurrentPosition(ctx context.Context) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	if r.Point == nil {
		return geo.Point{}, ErrNoPosition
	}
	if !r.Point.Valid() {
		return geo.Point{}, fmt.Errorf("reported position %+v: %w", *r.Point, ErrNoPosition)
	}
	return *r.Point, nil
}

// MatchServiceID — совпадение без учёта регистра по полному UUID
// или по 16-битной короткой форме (например, AD50) базового Bluetooth UUID.
func MatchServiceID(advertised []string, target string) bool {
	target = strings.ToUpper(strings.TrimSpace(target))
	short := shortForm(target)
	for _, a := range advertised {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == target {
			return true
		}
		if short == "" {
			continue
		}
		if a == short || a == "0X"+short || shortForm(a) == short {
			return true
		}
	}
	return false
}

func shortForm(uuid string) string {
	if len(uuid) == 36 && strings.HasSuffix(uuid, bluetoothBaseSuffix) && strings.HasPrefix(uuid, "0000") {
		return uuid[4:8]
	}
	return ""
}

package proximity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/metrics"
)

const (
	DefaultScanWindow  = 15 * time.Second
	DefaultGPSTimeout  = 20 * time.Second
	DefaultRadiusMeter = 50.0
)

type BeaconSignal struct {
	ServiceID string
	Window    time.Duration
}

// Evaluate сканирует не дольше окна и выходит на первом совпадении.
// Отмена ctx останавливает сканирование сразу.
func (b BeaconSignal) Evaluate(ctx context.Context, sc Scanner) (Result, error) {
	window := b.Window
	if window <= 0 {
		window = DefaultScanWindow
	}
	serviceID := b.ServiceID
	if serviceID == "" {
		serviceID = DefaultServiceID
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ads, err := sc.Scan(scanCtx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return Unavailable, err
		}
		return softResult(ctx, scanCtx), nil
	}
	for {
		select {
		case <-scanCtx.Done():
			return softResult(ctx, scanCtx), nil
		case ad, ok := <-ads:
			if !ok {
				// хост сам закончил сканирование
				if scanCtx.Err() != nil {
					return softResult(ctx, scanCtx), nil
				}
				return NotVerified, nil
			}
			if MatchServiceID(ad.ServiceUUIDs, serviceID) {
				return Verified, nil
			}
		}
	}
}

type GeofenceSignal struct {
	RadiusM float64
	Timeout time.Duration
}

func (g GeofenceSignal) radius() float64 {
	if g.RadiusM <= 0 {
		return DefaultRadiusMeter
	}
	return g.RadiusM
}

// Evaluate: Verified, если расстояние до якоря не больше радиуса.
// Без якоря проверять не с чем — NotVerified.
func (g GeofenceSignal) Evaluate(ctx context.Context, loc Locator, anchor *geo.Point) (GeofenceReading, error) {
	if anchor == nil || (anchor.Lat == 0 && anchor.Lon == 0) {
		return GeofenceReading{Result: NotVerified}, nil
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGPSTimeout
	}
	posCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pos, err := loc.CurrentPosition(posCtx)
	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied):
			return GeofenceReading{Result: Unavailable}, err
		case posCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			return GeofenceReading{Result: softResult(ctx, posCtx)}, nil
		}
		return GeofenceReading{Result: NotVerified}, nil
	}
	d := geo.Distance(pos, *anchor)
	r := NotVerified
	if d <= g.radius() {
		r = Verified
	}
	return GeofenceReading{Result: r, DistanceM: &d}, nil
}

// softResult различает истечение окна (TimedOut) и отмену вызывающим (NotVerified).
func softResult(parent, child context.Context) Result {
	if parent.Err() != nil {
		return NotVerified
	}
	if errors.Is(child.Err(), context.DeadlineExceeded) {
		return TimedOut
	}
	return NotVerified
}

// Checker — студенческая сторона: оба датчика параллельно, всегда свежие значения.
type Checker struct {
	Beacon   BeaconSignal
	Geofence GeofenceSignal
	Scanner  Scanner
	Locator  Locator
	Log      *zap.Logger
}

// Check перезапускает оба сигнала; результат не кэшируется.
func (c *Checker) Check(ctx context.Context, anchor *geo.Point) Signals {
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	var (
		mu   sync.Mutex
		out  = Signals{Beacon: NotVerified, Geofence: GeofenceReading{Result: NotVerified}}
		errs []error
	)
	var g errgroup.Group
	if c.Scanner != nil {
		g.Go(func() error {
			r, err := c.Beacon.Evaluate(ctx, c.Scanner)
			mu.Lock()
			defer mu.Unlock()
			out.Beacon = r
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	if c.Locator != nil {
		g.Go(func() error {
			r, err := c.Geofence.Evaluate(ctx, c.Locator, anchor)
			mu.Lock()
			defer mu.Unlock()
			out.Geofence = r
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Err = errors.Join(errs...)
	out.At = time.Now().UTC()
	metrics.ProximityResults.WithLabelValues("beacon", string(out.Beacon)).Inc()
	metrics.ProximityResults.WithLabelValues("geofence", string(out.Geofence.Result)).Inc()
	if out.Err != nil {
		log.Warn("proximity check degraded", zap.Error(out.Err))
	}
	return out
}

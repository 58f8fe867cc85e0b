package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/observability"
)

type Job func(ctx context.Context) error

type Runner struct {
	ctx context.Context
	log *zap.Logger
	wg  sync.WaitGroup
}

func New(ctx context.Context, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{ctx: ctx, log: log}
}

// Every запускает fn раз в interval до отмены контекста раннера или вызова stop.
// stop синхронный: после возврата fn больше не выполняется.
func (r *Runner) Every(interval time.Duration, name string, fn Job) (stop func()) {
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.run(ctx, name, fn)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (r *Runner) run(ctx context.Context, name string, fn Job) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			jobErrors.WithLabelValues(name).Inc()
			err := fmt.Errorf("panic in job %s: %v", name, rec)
			r.log.Error("job panicked", zap.String("job", name), zap.Any("panic", rec))
			observability.CaptureErr(err)
		}
		jobRuns.WithLabelValues(name).Inc()
		jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	if err := fn(ctx); err != nil {
		jobErrors.WithLabelValues(name).Inc()
		r.log.Debug("job failed", zap.String("job", name), zap.Error(err))
	}
}

// Wait ждёт завершения всех циклов (после отмены контекста раннера).
func (r *Runner) Wait() { r.wg.Wait() }

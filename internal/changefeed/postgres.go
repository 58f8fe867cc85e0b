package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/observability"
)

// Postgres публикует изменения через pg_notify и слушает канал на отдельном
// соединении пула. Полученные уведомления раздаются локальным подписчикам.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	hub  *Memory

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Postgres{pool: pool, log: log, hub: NewMemory(), ctx: ctx, cancel: cancel}
}

func (p *Postgres) Publish(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, payload)
	return err
}

// Subscribe: первый вызов держит LISTEN до возврата, иначе изменения,
// пришедшие сразу после подписки, теряются. Ошибка LISTEN возвращается
// вызывающему, следующий Subscribe попробует снова.
func (p *Postgres) Subscribe(ctx context.Context, table string, f Filter, fn Handler) (func(), error) {
	if err := p.start(ctx); err != nil {
		return nil, err
	}
	return p.hub.Subscribe(ctx, table, f, fn)
}

func (p *Postgres) start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := p.acquireListening(ctx)
	if err != nil {
		return fmt.Errorf("changefeed: listen %s: %w", Channel, err)
	}
	p.started = true
	p.wg.Add(1)
	go p.listen(conn)
	return nil
}

func (p *Postgres) acquireListening(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

func (p *Postgres) listen(conn *pgxpool.Conn) {
	defer p.wg.Done()
	for {
		err := p.drain(conn)
		if p.ctx.Err() != nil {
			return
		}
		p.log.Warn("changefeed: listen connection lost, reconnecting", zap.Error(err))
		observability.CaptureErr(err)
		for conn = nil; conn == nil; {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			if conn, err = p.acquireListening(p.ctx); err != nil {
				p.log.Warn("changefeed: relisten failed", zap.Error(err))
			}
		}
	}
}

// drain читает уведомления, пока соединение живо; соединение отдаёт в пул.
func (p *Postgres) drain(conn *pgxpool.Conn) error {
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(p.ctx)
		if err != nil {
			return err
		}
		c, err := decode(n.Payload)
		if err != nil {
			p.log.Warn("changefeed: bad payload", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		_ = p.hub.Publish(p.ctx, c)
	}
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	return p.hub.Close()
}

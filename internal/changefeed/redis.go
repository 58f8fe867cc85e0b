package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis — тот же контракт поверх Pub/Sub; удобен, когда несколько
// экземпляров сервиса работают с одной базой.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
	hub    *Memory

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{client: client, log: log, hub: NewMemory(), ctx: ctx, cancel: cancel}
}

func (r *Redis) Publish(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel, payload).Err()
}

// Subscribe: первый вызов дожидается подтверждения SUBSCRIBE от сервера.
func (r *Redis) Subscribe(ctx context.Context, table string, f Filter, fn Handler) (func(), error) {
	if err := r.start(ctx); err != nil {
		return nil, err
	}
	return r.hub.Subscribe(ctx, table, f, fn)
}

func (r *Redis) start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	ps := r.client.Subscribe(r.ctx, Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("changefeed: subscribe %s: %w", Channel, err)
	}
	r.started = true
	r.wg.Add(1)
	go r.listen(ps)
	return nil
}

// listen: go-redis сам переподключает PubSub, канал закрывается только при Close.
func (r *Redis) listen(ps *redis.PubSub) {
	defer r.wg.Done()
	defer func() { _ = ps.Close() }()
	ch := ps.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c, err := decode(msg.Payload)
			if err != nil {
				r.log.Warn("changefeed: bad payload", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			_ = r.hub.Publish(r.ctx, c)
		}
	}
}

// Healthy — короткий PING для /healthz.
func (r *Redis) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	_ = r.client.Close()
	return r.hub.Close()
}

// Package changefeed delivers the Lifecycle Manager's connectors_changed
// notifications, backed by Postgres LISTEN/NOTIFY (pq.Listener) when a
// DSN is configured, falling back to an in-memory bus for tests and
// single-binary deployments without Postgres.
package changefeed

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/socops/ingestcore/pkg/logger"
)

// Channel is the Postgres NOTIFY channel name the manager subscribes to.
const Channel = "connectors_changed"

// Handler processes one connectorId notification.
type Handler func(ctx context.Context, connectorID int64)

// Bus delivers connectors_changed notifications to registered handlers.
type Bus struct {
	log *logger.Logger

	mu       sync.Mutex
	handlers []Handler

	listener *pq.Listener
	db       *sql.DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemory returns a Bus with no Postgres backing; Publish delivers
// to in-process subscribers only, running each handler on its own
// goroutine.
func NewInMemory(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("changefeed")
	}
	return &Bus{log: log}
}

// NewPostgres returns a Bus backed by pq.Listener against dsn.
func NewPostgres(dsn string, log *logger.Logger) (*Bus, error) {
	if log == nil {
		log = logger.NewDefault("changefeed")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("changefeed: open db: %w", err)
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithField("event", ev).Warnf("changefeed: listener event: %v", err)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(Channel); err != nil {
		db.Close()
		return nil, fmt.Errorf("changefeed: listen %s: %w", Channel, err)
	}

	b := &Bus{log: log, listener: listener, db: db}
	ctx, cancel := context.WithCancel(context.Background())
	b.ctx, b.cancel = ctx, cancel
	b.wg.Add(1)
	go b.listen()
	return b, nil
}

// Subscribe registers a handler invoked for every connectors_changed
// notification.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish notifies subscribers of a connectorId change. If backed by
// Postgres, it only issues pg_notify; subscribers in this and other
// processes receive the change through their LISTEN loop.
func (b *Bus) Publish(ctx context.Context, connectorID int64) error {
	if b.db != nil {
		if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", Channel, strconv.FormatInt(connectorID, 10)); err != nil {
			return fmt.Errorf("changefeed: publish: %w", err)
		}
		return nil
	}
	b.dispatch(ctx, connectorID)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, connectorID int64) {
	b.mu.Lock()
	handlers := append([]Handler{}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		go h(ctx, connectorID)
	}
}

func (b *Bus) listen() {
	defer b.wg.Done()
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil || n.Channel != Channel {
				continue
			}
			id, err := strconv.ParseInt(n.Extra, 10, 64)
			if err != nil {
				b.log.WithField("payload", n.Extra).Warn("changefeed: non-integer connectorId payload")
				continue
			}
			dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			b.dispatch(dispatchCtx, id)
			cancel()
		case <-ticker.C:
			_ = b.listener.Ping()
		}
	}
}

// Close tears down the listener and waits for the read loop to exit.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.listener != nil {
		b.listener.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
	return nil
}

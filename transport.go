package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// Keys under which the transport caches state on a TransactionContext.
const (
	connectionKey  = "sqlbus-transport-connection"
	sendContextKey = "sqlbus-transport-send-context"
)

const (
	// DefaultCleanupInterval is the default time between expired-message
	// cleanup passes.
	DefaultCleanupInterval = 20 * time.Second

	// DefaultReceiveConcurrency bounds the number of simultaneously
	// in-flight Receive calls per transport instance.
	DefaultReceiveConcurrency = 20

	// cleanupBatchSize caps how many dead rows a single delete statement
	// may remove, so a cleanup pass never holds row locks for an
	// unbounded stretch.
	cleanupBatchSize = 100
)

// Transport moves messages through a single shared database table. Sends
// insert rows; receives select-and-delete the next eligible row atomically
// under FOR UPDATE SKIP LOCKED, so competing consumers never deliver the
// same row twice and never block behind each other's in-flight
// transactions. Dequeue is destructive: once the surrounding transaction
// commits, the message is gone.
type Transport struct {
	factory    *Factory
	table      string
	inputQueue string

	clock           Clock
	headerCodec     HeaderCodec
	logger          zerolog.Logger
	cleanupInterval time.Duration
	sentCtr         Counter
	receivedCtr     Counter
	expiredCtr      Counter

	// gate bounds in-flight receives, independent of database locking
	gate chan struct{}

	startMu  sync.Mutex
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type TransportOption func(*Transport)

// WithLogger replaces the transport's logger.
func WithLogger(logger zerolog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithClock replaces the transport's clock.
func WithClock(clock Clock) TransportOption {
	return func(t *Transport) { t.clock = clock }
}

// WithHeaderCodec replaces the transport's header codec.
func WithHeaderCodec(codec HeaderCodec) TransportOption {
	return func(t *Transport) { t.headerCodec = codec }
}

// WithCleanupInterval sets the time between expired-message cleanup
// passes.
func WithCleanupInterval(interval time.Duration) TransportOption {
	return func(t *Transport) { t.cleanupInterval = interval }
}

// WithReceiveConcurrency bounds the number of simultaneously in-flight
// Receive calls.
func WithReceiveConcurrency(n int) TransportOption {
	return func(t *Transport) { t.gate = make(chan struct{}, n) }
}

// WithSentCounter counts successfully sent messages.
func WithSentCounter(c Counter) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.sentCtr = c
		}
	}
}

// WithReceivedCounter counts successfully received messages.
func WithReceivedCounter(c Counter) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.receivedCtr = c
		}
	}
}

// WithExpiredCounter counts expired messages removed by cleanup.
func WithExpiredCounter(c Counter) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.expiredCtr = c
		}
	}
}

// NewTransport creates a transport over the given message table. An empty
// inputQueue makes the transport send-only: it cannot receive and runs no
// cleanup task.
func NewTransport(factory *Factory, table string, inputQueue string, opts ...TransportOption) *Transport {
	t := &Transport{
		factory:         factory,
		table:           table,
		inputQueue:      inputQueue,
		clock:           SystemClock{},
		headerCodec:     JSONHeaderCodec{},
		logger:          log.Logger,
		cleanupInterval: DefaultCleanupInterval,
		sentCtr:         &NopCounter{},
		receivedCtr:     &NopCounter{},
		expiredCtr:      &NopCounter{},
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.gate == nil {
		t.gate = make(chan struct{}, DefaultReceiveConcurrency)
	}
	return t
}

// Address returns the input queue this transport receives from, empty for
// a send-only transport.
func (t *Transport) Address() string { return t.inputQueue }

// sendContext is the per-TransactionContext send state: the prepared
// insert statement plus the lock that serializes concurrent logical sends
// against the one shared connection.
type sendContext struct {
	mu   sync.Mutex
	stmt *sqlx.Stmt
}

// Send inserts one message bound for destination. The unit of work and
// the prepared insert statement are created lazily, cached on the
// transaction context and shared by every send in that context, so the
// insert only becomes visible when the context owner commits.
func (t *Transport) Send(ctx context.Context, destination string, msg *Message, txc *TransactionContext) error {
	sc, err := t.sendContext(ctx, txc)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := t.clock.Now()

	priority, err := messagePriority(msg.Headers)
	if err != nil {
		return err
	}
	delay, err := initialVisibilityDelay(msg.Headers, now)
	if err != nil {
		return err
	}
	ttl, err := messageTTL(msg.Headers)
	if err != nil {
		return err
	}
	// the deferred-until header controls visibility only and is stripped
	// from the persisted header set; the caller's map is left intact
	headers, err := t.headerCodec.Marshal(persistedHeaders(msg.Headers))
	if err != nil {
		return fmt.Errorf("could not serialize headers: %w", err)
	}

	if _, err := sc.stmt.ExecContext(ctx, destination, priority, now.Add(delay), now.Add(ttl), headers, msg.Body); err != nil {
		return fmt.Errorf("could not insert message for %s into %s: %w", destination, t.table, err)
	}
	t.sentCtr.Inc(1)
	return nil
}

// Receive returns the next eligible message for the transport's input
// queue, or nil when nothing is eligible. Eligible rows have become
// visible and not yet expired; among them the dequeue function picks the
// lowest (priority, visible, id) not locked by a competing receiver and
// deletes it in the same statement that returns it.
func (t *Transport) Receive(ctx context.Context, txc *TransactionContext) (*Message, error) {
	if t.inputQueue == "" {
		return nil, ErrOneWayTransport
	}

	select {
	case t.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.gate }()

	uow, err := t.connection(ctx, txc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var row struct {
		Headers []byte `db:"headers"`
		Body    []byte `db:"body"`
	}
	query := fmt.Sprintf("SELECT headers, body FROM %s_dequeue($1, $2)", t.table)
	if err := uow.Tx().GetContext(ctx, &row, query, t.inputQueue, t.clock.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			t.logger.Debug().Str("queue", t.inputQueue).Msg("no messages to dequeue")
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("could not dequeue message from %s: %w", t.table, err)
	}

	headers, err := t.headerCodec.Unmarshal(row.Headers)
	if err != nil {
		return nil, fmt.Errorf("could not deserialize headers: %w", err)
	}
	t.receivedCtr.Inc(1)
	return &Message{Headers: headers, Body: row.Body}, nil
}

func (t *Transport) sendContext(ctx context.Context, txc *TransactionContext) (*sendContext, error) {
	// resolve the unit of work before entering the factory: GetOrAdd does
	// not nest
	uow, err := t.connection(ctx, txc)
	if err != nil {
		return nil, err
	}
	item, err := txc.GetOrAdd(sendContextKey, func() (any, error) {
		stmt, err := uow.Tx().PreparexContext(ctx, insertSQL(t.table))
		if err != nil {
			return nil, fmt.Errorf("could not prepare send statement: %w", err)
		}
		txc.OnDisposed(func() { _ = stmt.Close() })
		return &sendContext{stmt: stmt}, nil
	})
	if err != nil {
		return nil, err
	}
	return item.(*sendContext), nil
}

// connection returns the unit of work bound to the transaction context,
// opening it on first use and registering it for commit on context commit
// and disposal on context disposal.
func (t *Transport) connection(ctx context.Context, txc *TransactionContext) (*UnitOfWork, error) {
	item, err := txc.GetOrAdd(connectionKey, func() (any, error) {
		uow, err := t.factory.Open(ctx)
		if err != nil {
			return nil, err
		}
		txc.OnCommitted(func(context.Context) error { return uow.Complete() })
		txc.OnDisposed(uow.Dispose)
		return uow, nil
	})
	if err != nil {
		return nil, err
	}
	return item.(*UnitOfWork), nil
}

func insertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (recipient, priority, visible, expiration, headers, body) VALUES ($1, $2, $3, $4, $5, $6)", table)
}

// Start launches the recurring expired-message cleanup task. Only a
// receiving transport runs it: a send-only transport has no input queue
// to sweep. Start is a no-op the second time around.
func (t *Transport) Start(ctx context.Context) {
	if t.inputQueue == "" {
		return
	}
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.runCleanup(ctx)
}

// Close stops the cleanup task and waits for an in-flight pass to finish.
func (t *Transport) Close() {
	t.startMu.Lock()
	started := t.started
	t.startMu.Unlock()
	if !started {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Transport) runCleanup(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.CleanupExpiredMessages(ctx); err != nil {
				// never fatal; the next tick retries
				t.logger.Err(err).Str("queue", t.inputQueue).Msg("expired messages cleanup failed")
			}
		}
	}
}

// CleanupExpiredMessages deletes dead rows for the input queue in bounded
// batches, stopping once a pass deletes nothing.
func (t *Transport) CleanupExpiredMessages(ctx context.Context) error {
	started := time.Now()
	deleted := int64(0)

	for {
		affected, err := t.deleteExpiredBatch(ctx)
		if err != nil {
			return err
		}
		deleted += affected
		if affected == 0 {
			break
		}
	}

	if deleted > 0 {
		t.expiredCtr.Inc(deleted)
		t.logger.Info().
			Dur("elapsed", time.Since(started)).
			Int64("deleted", deleted).
			Str("queue", t.inputQueue).
			Msg("performed expired messages cleanup")
	}
	return nil
}

func (t *Transport) deleteExpiredBatch(ctx context.Context) (int64, error) {
	uow, err := t.factory.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Dispose()

	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE recipient = $1 AND expiration < $2 LIMIT $3)", t.table, t.table)
	res, err := uow.Tx().ExecContext(ctx, query, t.inputQueue, t.clock.Now(), cleanupBatchSize)
	if err != nil {
		return 0, fmt.Errorf("could not delete expired messages from %s: %w", t.table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := uow.Complete(); err != nil {
		return 0, err
	}
	return affected, nil
}

// EnsureTableIsCreated provisions the message table, its covering receive
// index and the dequeue function. Safe to call concurrently from multiple
// processes: losing the creation race counts as success.
func (t *Transport) EnsureTableIsCreated(ctx context.Context) error {
	conn, err := t.factory.OpenRaw(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := schema.Exists(ctx, conn, t.table)
	if err != nil {
		return err
	}
	if exists {
		t.logger.Debug().Str("table", t.table).Msg("database already contains the messages table - will not create anything")
		return nil
	}

	t.logger.Info().Str("table", t.table).Msg("messages table does not exist - it will be created now")
	if err := schema.Create(ctx, conn, schema.Transport(t.table)); err != nil {
		return fmt.Errorf("error attempting to initialize transport schema with messages table %s: %w", t.table, err)
	}
	return nil
}

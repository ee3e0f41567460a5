package sqlbus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// TimeoutManager stores deferred messages until their due time. Multiple
// processes can safely compete over the same table: due rows are read
// under a plain FOR UPDATE, so overlapping due sets serialize instead of
// being delivered twice. The blocking lock (no SKIP LOCKED, unlike the
// transport) is deliberate: a due timeout must never be double-delivered,
// and blocking is acceptable at timeout volumes.
type TimeoutManager struct {
	factory     *Factory
	table       string
	clock       Clock
	headerCodec HeaderCodec
	logger      zerolog.Logger
}

type TimeoutOption func(*TimeoutManager)

// WithTimeoutLogger replaces the manager's logger.
func WithTimeoutLogger(logger zerolog.Logger) TimeoutOption {
	return func(m *TimeoutManager) { m.logger = logger }
}

// WithTimeoutClock replaces the manager's clock.
func WithTimeoutClock(clock Clock) TimeoutOption {
	return func(m *TimeoutManager) { m.clock = clock }
}

// WithTimeoutHeaderCodec replaces the manager's header codec.
func WithTimeoutHeaderCodec(codec HeaderCodec) TimeoutOption {
	return func(m *TimeoutManager) { m.headerCodec = codec }
}

func NewTimeoutManager(factory *Factory, table string, opts ...TimeoutOption) *TimeoutManager {
	m := &TimeoutManager{
		factory:     factory,
		table:       table,
		clock:       SystemClock{},
		headerCodec: JSONHeaderCodec{},
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DueMessage is a deferred message whose due time has passed.
// MarkCompleted deletes its row and must be invoked once the message has
// been dispatched; otherwise the row stays locked until the surrounding
// unit of work ends, and then becomes due again for any processor.
type DueMessage struct {
	Headers       map[string]string
	Body          []byte
	MarkCompleted func(ctx context.Context) error
}

// DueMessagesResult carries the due messages plus the unit of work they
// were read under. Exactly one of Complete or Dispose must be called
// after the individual messages have been marked completed: Complete
// commits the deletions, Dispose rolls everything back.
type DueMessagesResult struct {
	Messages []DueMessage

	uow *UnitOfWork
}

// Complete commits the unit of work and releases its connection.
func (r *DueMessagesResult) Complete() error {
	if err := r.uow.Complete(); err != nil {
		return err
	}
	r.uow.Dispose()
	return nil
}

// Dispose rolls back any uncommitted deletions and releases the
// connection. Safe to call after Complete.
func (r *DueMessagesResult) Dispose() { r.uow.Dispose() }

// Defer stores a message that must not be delivered before dueTime.
func (m *TimeoutManager) Defer(ctx context.Context, dueTime time.Time, headers map[string]string, body []byte) error {
	uow, err := m.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	raw, err := m.headerCodec.Marshal(headers)
	if err != nil {
		return fmt.Errorf("could not serialize headers: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (due_time, headers, body) VALUES ($1, $2, $3)", m.table)
	if _, err := uow.Tx().ExecContext(ctx, query, dueTime.UTC(), raw, body); err != nil {
		return fmt.Errorf("could not defer message into %s: %w", m.table, err)
	}
	return uow.Complete()
}

// GetDueMessages returns every message due as of now, oldest first. The
// returned rows stay locked until the result is completed or disposed, so
// callers should mark messages completed and finish the result promptly.
func (m *TimeoutManager) GetDueMessages(ctx context.Context) (*DueMessagesResult, error) {
	uow, err := m.factory.Open(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, headers, body FROM %s WHERE due_time <= $1 ORDER BY due_time ASC FOR UPDATE", m.table)
	rows, err := uow.Tx().QueryxContext(ctx, query, m.clock.Now())
	if err != nil {
		uow.Dispose()
		return nil, fmt.Errorf("could not select due messages from %s: %w", m.table, err)
	}
	defer rows.Close()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", m.table)

	var due []DueMessage
	for rows.Next() {
		var (
			id         int64
			rawHeaders []byte
			body       []byte
		)
		if err := rows.Scan(&id, &rawHeaders, &body); err != nil {
			uow.Dispose()
			return nil, fmt.Errorf("could not scan due message from %s: %w", m.table, err)
		}
		headers, err := m.headerCodec.Unmarshal(rawHeaders)
		if err != nil {
			uow.Dispose()
			return nil, fmt.Errorf("could not deserialize headers of due message %d: %w", id, err)
		}
		messageId := id
		due = append(due, DueMessage{
			Headers: headers,
			Body:    body,
			MarkCompleted: func(ctx context.Context) error {
				if _, err := uow.Tx().ExecContext(ctx, deleteQuery, messageId); err != nil {
					return fmt.Errorf("could not delete due message %d from %s: %w", messageId, m.table, err)
				}
				return nil
			},
		})
	}
	if err := rows.Err(); err != nil {
		uow.Dispose()
		return nil, fmt.Errorf("could not read due messages from %s: %w", m.table, err)
	}

	return &DueMessagesResult{Messages: due, uow: uow}, nil
}

// EnsureTableIsCreated provisions the timeouts table and its due-time
// index. Safe under concurrent first-time callers.
func (m *TimeoutManager) EnsureTableIsCreated(ctx context.Context) error {
	conn, err := m.factory.OpenRaw(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := schema.Exists(ctx, conn, m.table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	m.logger.Info().Str("table", m.table).Msg("timeouts table does not exist - it will be created now")
	return schema.Create(ctx, conn, schema.Timeouts(m.table))
}

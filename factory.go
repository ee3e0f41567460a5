package sqlbus

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AmbientTx reports the externally managed transaction active for ctx, if
// any. It lets this layer join a transaction owned by the caller instead
// of starting its own.
type AmbientTx func(ctx context.Context) *sqlx.Tx

// Factory hands out connections and units of work against one database.
type Factory struct {
	db      *sqlx.DB
	ambient AmbientTx
}

type FactoryOption func(*Factory)

// WithAmbientTx makes Open join the transaction reported by accessor
// whenever one is active, instead of beginning a local transaction.
func WithAmbientTx(accessor AmbientTx) FactoryOption {
	return func(f *Factory) {
		f.ambient = accessor
	}
}

func NewFactory(db *sqlx.DB, opts ...FactoryOption) *Factory {
	f := &Factory{db: db}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open returns a fresh, ready-to-use unit of work: a dedicated connection
// with a read-committed transaction. When an ambient-transaction accessor
// is configured and reports an active transaction, the unit of work wraps
// that transaction without owning it.
func (f *Factory) Open(ctx context.Context) (*UnitOfWork, error) {
	if f.ambient != nil {
		if tx := f.ambient(ctx); tx != nil {
			return &UnitOfWork{tx: tx}, nil
		}
	}
	conn, err := f.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not open connection: %w", err)
	}
	tx, err := conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		// release the half-built unit of work before reporting failure
		_ = conn.Close()
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	return &UnitOfWork{conn: conn, tx: tx, owned: true}, nil
}

// OpenRaw returns a connection with no transaction. It never joins an
// ambient transaction: it exists for one-shot DDL and existence checks
// that must not become entangled with a caller's transaction.
func (f *Factory) OpenRaw(ctx context.Context) (*sqlx.Conn, error) {
	conn, err := f.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not open connection: %w", err)
	}
	return conn, nil
}

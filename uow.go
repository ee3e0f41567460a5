package sqlbus

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UnitOfWork is one open connection plus at most one open transaction,
// exclusively owned by the logical operation that created it.
//
// A UnitOfWork enlisted in an ambient transaction owns neither the
// connection nor the transaction: Complete and Dispose leave both alone,
// the transaction's owner controls the outcome.
type UnitOfWork struct {
	conn      *sqlx.Conn
	tx        *sqlx.Tx
	owned     bool
	completed bool
}

// Tx returns the transaction that statements should run against.
func (u *UnitOfWork) Tx() *sqlx.Tx { return u.tx }

// Complete commits the local transaction. It is a no-op for a unit of
// work enlisted in an ambient transaction.
func (u *UnitOfWork) Complete() error {
	if !u.owned {
		return nil
	}
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("could not commit unit of work: %w", err)
	}
	u.completed = true
	return nil
}

// Dispose rolls back the transaction unless Complete was called, then
// closes the connection. Rollback errors are swallowed: the transaction
// is gone either way. Dispose after Complete is safe.
func (u *UnitOfWork) Dispose() {
	if !u.owned {
		return
	}
	if !u.completed {
		_ = u.tx.Rollback()
	}
	_ = u.conn.Close()
}

// Package schema provisions the tables, indexes and functions the sqlbus
// stores rely on. Creation is idempotent: two processes racing to create
// the same object both succeed, whichever of them actually ran the DDL.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	duplicateTable    = "42P07"
	duplicateObject   = "42710"
	duplicateFunction = "42723"
)

// Transport returns the DDL for a transport table: the message table with
// its bigserial surrogate key, the covering receive index and the dequeue
// function that atomically selects and deletes the next eligible row.
//
// The dequeue is the core correctness mechanism of the whole package:
// candidate rows are taken in (priority, visible, id) order under
// FOR UPDATE SKIP LOCKED, so competing receivers partition the eligible
// set instead of blocking on or double-delivering each other's rows, and
// the winning row is deleted before it is returned.
func Transport(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id bigserial NOT NULL,
	recipient varchar(255) NOT NULL,
	priority bigint NOT NULL,
	expiration timestamptz NOT NULL,
	visible timestamptz NOT NULL,
	headers bytea NOT NULL,
	body bytea NOT NULL,
	CONSTRAINT %s_pk PRIMARY KEY (recipient, priority, id)
)`, table, table),
		fmt.Sprintf(`CREATE INDEX idx_receive_%s ON %s (recipient ASC, expiration ASC, visible ASC)`, table, table),
		fmt.Sprintf(`CREATE FUNCTION %s_dequeue(in_recipient varchar, in_now timestamptz)
RETURNS TABLE (headers bytea, body bytea) AS $func$
	DELETE FROM %s
	WHERE id = (
		SELECT id
		FROM %s
		WHERE recipient = in_recipient
			AND visible < in_now
			AND expiration > in_now
		ORDER BY priority ASC, visible ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING %s.headers, %s.body
$func$ LANGUAGE sql`, table, table, table, table, table),
	}
}

// Timeouts returns the DDL for a deferred-messages table.
func Timeouts(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id bigserial NOT NULL,
	due_time timestamptz NOT NULL,
	headers bytea,
	body bytea,
	CONSTRAINT %s_pk PRIMARY KEY (id)
)`, table, table),
		fmt.Sprintf(`CREATE INDEX %s_due_idx ON %s (due_time)`, table, table),
	}
}

// Subscriptions returns the DDL for a topic/address registry table.
func Subscriptions(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	topic varchar(200) NOT NULL,
	address varchar(200) NOT NULL,
	CONSTRAINT %s_pk PRIMARY KEY (topic, address)
)`, table, table),
	}
}

// SagaData returns the DDL for the saga data table.
func SagaData(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id uuid NOT NULL,
	revision bigint NOT NULL,
	data bytea NOT NULL,
	CONSTRAINT %s_pk PRIMARY KEY (id)
)`, table, table),
	}
}

// SagaIndex returns the DDL for the correlation-property index table. The
// primary key enforces global uniqueness of a correlation value within a
// saga type, which is what detects correlation conflicts between
// concurrent saga instances.
func SagaIndex(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	saga_type varchar(500) NOT NULL,
	key varchar(500) NOT NULL,
	value varchar(2000) NOT NULL,
	saga_id uuid NOT NULL,
	CONSTRAINT %s_pk PRIMARY KEY (key, value, saga_type)
)`, table, table),
		fmt.Sprintf(`CREATE INDEX %s_idx ON %s (saga_id)`, table, table),
	}
}

// SagaSnapshots returns the DDL for the append-only saga audit table.
func SagaSnapshots(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id uuid NOT NULL,
	revision bigint NOT NULL,
	metadata bytea,
	data bytea NOT NULL,
	CONSTRAINT %s_pk PRIMARY KEY (id, revision)
)`, table, table),
	}
}

// DataBus returns the DDL for the large-object store table.
func DataBus(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id varchar(200) NOT NULL,
	meta bytea,
	data bytea NOT NULL,
	creation_time timestamptz NOT NULL,
	last_read_time timestamptz,
	CONSTRAINT %s_pk PRIMARY KEY (id)
)`, table, table),
	}
}

// Exists reports whether a relation with the given name exists.
func Exists(ctx context.Context, q sqlx.QueryerContext, table string) (bool, error) {
	var regclass sql.NullString
	if err := sqlx.GetContext(ctx, q, &regclass, "SELECT to_regclass($1)", table); err != nil {
		return false, fmt.Errorf("could not check for table %s: %w", table, err)
	}
	return regclass.Valid, nil
}

// Create executes the DDL statements one by one, treating "already
// exists" as success so that concurrent first-time callers both win the
// provisioning race.
func Create(ctx context.Context, conn *sqlx.Conn, statements []string) error {
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if isDuplicate(err) {
				continue
			}
			return fmt.Errorf("failed to exec stmt %s: %w", strings.Split(stmt, "(")[0], err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case duplicateTable, duplicateObject, duplicateFunction:
		return true
	}
	return false
}

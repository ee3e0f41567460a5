package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// IdProperty is the identity correlation property: finding a saga by it
// is a straight primary-key lookup instead of an index-table join.
const IdProperty = "Id"

// SagaData is the state of one saga instance. CorrelationValue reports
// the current value of a named correlation property; ok is false when the
// property has no value and must not be indexed.
type SagaData interface {
	Id() uuid.UUID
	Revision() int64
	SetRevision(revision int64)
	CorrelationValue(property string) (value string, ok bool)
}

// Codec turns saga state into bytes and back. TypeName reports the saga
// type of a state value so lookups can reject instances of a different
// type, and Unmarshal must restore whatever TypeName needs to report.
type Codec interface {
	Marshal(data SagaData) ([]byte, error)
	Unmarshal(raw []byte) (SagaData, error)
	TypeName(data SagaData) string
}

// SagaStorage is optimistic-concurrency CRUD over saga instances plus a
// correlation-property index that routes incoming messages to the right
// instance. Every mutation runs inside one unit of work: index deletion,
// data mutation and index insertion commit together or not at all.
//
// Lock order is fixed to sidestep deadlock between concurrent mutations:
// updates take index rows before the data row, deletes take the data row
// before index rows.
type SagaStorage struct {
	factory    *Factory
	dataTable  string
	indexTable string
	codec      Codec
	logger     zerolog.Logger
}

type SagaOption func(*SagaStorage)

// WithSagaLogger replaces the storage's logger.
func WithSagaLogger(logger zerolog.Logger) SagaOption {
	return func(s *SagaStorage) { s.logger = logger }
}

func NewSagaStorage(factory *Factory, dataTable, indexTable string, codec Codec, opts ...SagaOption) *SagaStorage {
	s := &SagaStorage{
		factory:    factory,
		dataTable:  dataTable,
		indexTable: indexTable,
		codec:      codec,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find returns the saga instance of the given type whose property has the
// given value, or nil when no such instance exists. An instance found
// under a different saga type counts as not found, not as an error.
func (s *SagaStorage) Find(ctx context.Context, sagaType, property, value string) (SagaData, error) {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Dispose()

	var raw []byte
	if property == IdProperty {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("could not parse %q into a saga id: %w", value, err)
		}
		query := fmt.Sprintf("SELECT s.data FROM %s s WHERE s.id = $1", s.dataTable)
		err = uow.Tx().GetContext(ctx, &raw, query, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("could not find saga by id %s: %w", id, err)
		}
	} else {
		query := fmt.Sprintf(
			"SELECT s.data FROM %s s JOIN %s i ON s.id = i.saga_id WHERE i.saga_type = $1 AND i.key = $2 AND i.value = $3",
			s.dataTable, s.indexTable)
		err = uow.Tx().GetContext(ctx, &raw, query, sagaType, property, value)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("could not find saga by %s = %q: %w", property, value, err)
		}
	}

	data, err := s.codec.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("could not deserialize %d bytes into saga data of type %s: %w", len(raw), sagaType, err)
	}
	if s.codec.TypeName(data) != sagaType {
		return nil, nil
	}
	if err := uow.Complete(); err != nil {
		return nil, err
	}
	return data, nil
}

// Insert stores data as a new saga instance together with its correlation
// index rows. A duplicate id or a correlation value already held by
// another instance of the same type surfaces as a *ConcurrencyError, and
// nothing is committed.
func (s *SagaStorage) Insert(ctx context.Context, data SagaData, correlationProperties []string) error {
	if data.Id() == uuid.Nil {
		return fmt.Errorf("saga data %s has an uninitialized id", s.codec.TypeName(data))
	}
	if rev := data.Revision(); rev != 0 {
		return fmt.Errorf("attempted to insert saga data with id %s and revision %d, but revision must be 0 on first insert", data.Id(), rev)
	}

	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	raw, err := s.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not serialize saga data: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (id, revision, data) VALUES ($1, $2, $3)", s.dataTable)
	if _, err := uow.Tx().ExecContext(ctx, query, data.Id(), data.Revision(), raw); err != nil {
		if isUniqueViolation(err) {
			return &ConcurrencyError{Op: "insert", Table: s.dataTable, Id: data.Id().String(), Err: err}
		}
		return fmt.Errorf("could not insert saga data into %s: %w", s.dataTable, err)
	}

	if err := s.insertIndex(ctx, uow, data, correlationProperties); err != nil {
		return err
	}
	return uow.Complete()
}

// Update persists a new revision of an existing instance. The data row is
// only touched if it still carries the revision this in-memory copy was
// loaded at; otherwise someone else updated or deleted it first and a
// *ConcurrencyError is returned. Index rows are deleted up front and
// reinserted only after the update succeeds.
func (s *SagaStorage) Update(ctx context.Context, data SagaData, correlationProperties []string) error {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	deleteIndex := fmt.Sprintf("DELETE FROM %s WHERE saga_id = $1", s.indexTable)
	if _, err := uow.Tx().ExecContext(ctx, deleteIndex, data.Id()); err != nil {
		return fmt.Errorf("could not delete correlation index rows of saga %s: %w", data.Id(), err)
	}

	currentRevision := data.Revision()
	data.SetRevision(currentRevision + 1)

	raw, err := s.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not serialize saga data: %w", err)
	}

	update := fmt.Sprintf("UPDATE %s SET data = $1, revision = $2 WHERE id = $3 AND revision = $4", s.dataTable)
	res, err := uow.Tx().ExecContext(ctx, update, raw, data.Revision(), data.Id(), currentRevision)
	if err != nil {
		return fmt.Errorf("could not update saga data in %s: %w", s.dataTable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ConcurrencyError{Op: "update", Table: s.dataTable, Id: data.Id().String()}
	}

	if err := s.insertIndex(ctx, uow, data, correlationProperties); err != nil {
		return err
	}
	return uow.Complete()
}

// Delete removes the instance and all of its index rows. The data row is
// only removed if it still carries the in-memory revision; otherwise a
// *ConcurrencyError is returned. On success the in-memory revision is
// bumped, matching Update's convention that the object is one revision
// past what was persisted.
func (s *SagaStorage) Delete(ctx context.Context, data SagaData) error {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	deleteData := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND revision = $2", s.dataTable)
	res, err := uow.Tx().ExecContext(ctx, deleteData, data.Id(), data.Revision())
	if err != nil {
		return fmt.Errorf("could not delete saga data from %s: %w", s.dataTable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ConcurrencyError{Op: "delete", Table: s.dataTable, Id: data.Id().String()}
	}

	deleteIndex := fmt.Sprintf("DELETE FROM %s WHERE saga_id = $1", s.indexTable)
	if _, err := uow.Tx().ExecContext(ctx, deleteIndex, data.Id()); err != nil {
		return fmt.Errorf("could not delete correlation index rows of saga %s: %w", data.Id(), err)
	}

	if err := uow.Complete(); err != nil {
		return err
	}
	data.SetRevision(data.Revision() + 1)
	return nil
}

type sagaIndexEntry struct {
	SagaType string    `db:"saga_type"`
	Key      string    `db:"key"`
	Value    string    `db:"value"`
	SagaId   uuid.UUID `db:"saga_id"`
}

func (s *SagaStorage) insertIndex(ctx context.Context, uow *UnitOfWork, data SagaData, properties []string) error {
	entries := make([]sagaIndexEntry, 0, len(properties))
	for _, property := range properties {
		value, ok := data.CorrelationValue(property)
		if !ok {
			continue
		}
		entries = append(entries, sagaIndexEntry{
			SagaType: s.codec.TypeName(data),
			Key:      property,
			Value:    value,
			SagaId:   data.Id(),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO %s (saga_type, key, value, saga_id) VALUES (:saga_type, :key, :value, :saga_id)", s.indexTable)
	if _, err := uow.Tx().NamedExecContext(ctx, query, entries); err != nil {
		if isUniqueViolation(err) {
			return &ConcurrencyError{Op: "index", Table: s.indexTable, Id: data.Id().String(), Err: err}
		}
		return fmt.Errorf("could not insert correlation index rows into %s: %w", s.indexTable, err)
	}
	return nil
}

// EnsureTablesAreCreated provisions the data and index tables. The two
// are provisioned together: finding exactly one of them already present
// is a configuration error, not something to silently repair.
func (s *SagaStorage) EnsureTablesAreCreated(ctx context.Context) error {
	conn, err := s.factory.OpenRaw(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	hasData, err := schema.Exists(ctx, conn, s.dataTable)
	if err != nil {
		return err
	}
	hasIndex, err := schema.Exists(ctx, conn, s.indexTable)
	if err != nil {
		return err
	}

	switch {
	case hasData && hasIndex:
		return nil
	case hasData:
		return fmt.Errorf("the saga index table %s does not exist, but there is already a table named %s, which was supposed to be created as the data table", s.indexTable, s.dataTable)
	case hasIndex:
		return fmt.Errorf("the saga data table %s does not exist, but there is already a table named %s, which was supposed to be created as the index table", s.dataTable, s.indexTable)
	}

	s.logger.Info().
		Str("data_table", s.dataTable).
		Str("index_table", s.indexTable).
		Msg("saga tables do not exist - they will be created now")

	if err := schema.Create(ctx, conn, schema.SagaData(s.dataTable)); err != nil {
		return err
	}
	return schema.Create(ctx, conn, schema.SagaIndex(s.indexTable))
}

package sqlbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

type orderSaga struct {
	ID          uuid.UUID `json:"id"`
	Rev         int64     `json:"revision"`
	OrderNumber string    `json:"order_number"`
	Customer    string    `json:"customer,omitempty"`
}

func (s *orderSaga) Id() uuid.UUID         { return s.ID }
func (s *orderSaga) Revision() int64       { return s.Rev }
func (s *orderSaga) SetRevision(rev int64) { s.Rev = rev }

func (s *orderSaga) CorrelationValue(property string) (string, bool) {
	switch property {
	case "OrderNumber":
		return s.OrderNumber, true
	case "Customer":
		if s.Customer == "" {
			return "", false
		}
		return s.Customer, true
	}
	return "", false
}

type orderSagaCodec struct{}

func (orderSagaCodec) Marshal(data SagaData) ([]byte, error) { return json.Marshal(data) }

func (orderSagaCodec) Unmarshal(raw []byte) (SagaData, error) {
	var s orderSaga
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (orderSagaCodec) TypeName(data SagaData) string {
	switch data.(type) {
	case *orderSaga:
		return "OrderSaga"
	default:
		return fmt.Sprintf("%T", data)
	}
}

func newSagaStorage(t *testing.T) (*SagaStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewSagaStorage(NewFactory(db), "saga_data", "saga_index", orderSagaCodec{}), mock
}

const (
	insertSagaData  = `INSERT INTO saga_data (id, revision, data) VALUES ($1, $2, $3)`
	updateSagaData  = `UPDATE saga_data SET data = $1, revision = $2 WHERE id = $3 AND revision = $4`
	deleteSagaData  = `DELETE FROM saga_data WHERE id = $1 AND revision = $2`
	deleteSagaIndex = `DELETE FROM saga_index WHERE saga_id = $1`
	insertSagaIndex = `INSERT INTO saga_index \(saga_type, key, value, saga_id\) VALUES .+`
)

func TestInsertStoresDataAndIndexRows(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1", Customer: "acme"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSagaData)).
		WithArgs(saga.ID, int64(0), raw).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSagaIndex).
		WithArgs("OrderSaga", "OrderNumber", "order-1", saga.ID, "OrderSaga", "Customer", "acme", saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err = storage.Insert(context.Background(), saga, []string{"OrderNumber", "Customer"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSkipsAbsentCorrelationValues(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSagaData)).
		WithArgs(saga.ID, int64(0), raw).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSagaIndex).
		WithArgs("OrderSaga", "OrderNumber", "order-1", saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = storage.Insert(context.Background(), saga, []string{"OrderNumber", "Customer"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFailsFastOnUninitializedId(t *testing.T) {
	storage, _ := newSagaStorage(t)
	err := storage.Insert(context.Background(), &orderSaga{}, nil)
	require.Error(t, err)
}

func TestInsertFailsFastOnNonZeroRevision(t *testing.T) {
	storage, _ := newSagaStorage(t)
	err := storage.Insert(context.Background(), &orderSaga{ID: uuid.New(), Rev: 3}, nil)
	require.Error(t, err)
}

func TestInsertReportsDuplicateIdAsConcurrencyError(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSagaData)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := storage.Insert(context.Background(), saga, []string{"OrderNumber"})
	var concurrencyErr *ConcurrencyError
	require.True(t, errors.As(err, &concurrencyErr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRollsBackDataRowOnCorrelationConflict(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSagaData)).
		WithArgs(saga.ID, int64(0), raw).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSagaIndex).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = storage.Insert(context.Background(), saga, []string{"OrderNumber"})
	var concurrencyErr *ConcurrencyError
	require.True(t, errors.As(err, &concurrencyErr))
	require.Equal(t, "saga_index", concurrencyErr.Table)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateReplacesIndexAndBumpsRevision(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), Rev: 2, OrderNumber: "order-1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteSagaIndex)).
		WithArgs(saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(updateSagaData)).
		WithArgs(sqlmock.AnyArg(), int64(3), saga.ID, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSagaIndex).
		WithArgs("OrderSaga", "OrderNumber", "order-1", saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, storage.Update(context.Background(), saga, []string{"OrderNumber"}))
	require.Equal(t, int64(3), saga.Revision())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOfStaleRevisionIsConcurrencyError(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), Rev: 0, OrderNumber: "order-1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteSagaIndex)).
		WithArgs(saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(updateSagaData)).
		WithArgs(sqlmock.AnyArg(), int64(1), saga.ID, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := storage.Update(context.Background(), saga, []string{"OrderNumber"})
	var concurrencyErr *ConcurrencyError
	require.True(t, errors.As(err, &concurrencyErr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRemovesDataAndIndexRows(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), Rev: 4}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteSagaData)).
		WithArgs(saga.ID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteSagaIndex)).
		WithArgs(saga.ID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, storage.Delete(context.Background(), saga))
	require.Equal(t, int64(5), saga.Revision())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOfStaleRevisionIsConcurrencyError(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), Rev: 1}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteSagaData)).
		WithArgs(saga.ID, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := storage.Delete(context.Background(), saga)
	var concurrencyErr *ConcurrencyError
	require.True(t, errors.As(err, &concurrencyErr))
	require.Equal(t, int64(1), saga.Revision())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIdLoadsByPrimaryKey(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.data FROM saga_data s WHERE s.id = $1`)).
		WithArgs(saga.ID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))
	mock.ExpectCommit()

	found, err := storage.Find(context.Background(), "OrderSaga", IdProperty, saga.ID.String())
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, saga.ID, found.Id())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByCorrelationPropertyJoinsIndex(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.data FROM saga_data s JOIN saga_index i ON s.id = i.saga_id WHERE i.saga_type = $1 AND i.key = $2 AND i.value = $3`)).
		WithArgs("OrderSaga", "OrderNumber", "order-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))
	mock.ExpectCommit()

	found, err := storage.Find(context.Background(), "OrderSaga", "OrderNumber", "order-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindReturnsNilWhenNothingMatches(t *testing.T) {
	storage, mock := newSagaStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.data FROM saga_data").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectRollback()

	found, err := storage.Find(context.Background(), "OrderSaga", "OrderNumber", "missing")
	require.NoError(t, err)
	require.Nil(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindTreatsTypeMismatchAsNotFound(t *testing.T) {
	storage, mock := newSagaStorage(t)
	saga := &orderSaga{ID: uuid.New(), OrderNumber: "order-1"}
	raw, err := json.Marshal(saga)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.data FROM saga_data").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))
	mock.ExpectRollback()

	found, err := storage.Find(context.Background(), "ShipmentSaga", "OrderNumber", "order-1")
	require.NoError(t, err)
	require.Nil(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindWrapsDeserializationFailure(t *testing.T) {
	storage, mock := newSagaStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.data FROM saga_data").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("not json")))
	mock.ExpectRollback()

	_, err := storage.Find(context.Background(), "OrderSaga", "OrderNumber", "order-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTablesAreCreatedRejectsHalfProvisionedSchema(t *testing.T) {
	storage, mock := newSagaStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1)")).
		WithArgs("saga_data").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("saga_data"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1)")).
		WithArgs("saga_index").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))

	err := storage.EnsureTablesAreCreated(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

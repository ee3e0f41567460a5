package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newDataBusStorage(t *testing.T) (*DataBusStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewDataBusStorage(NewFactory(db), "data_bus", WithDataBusClock(testClock())), mock
}

func TestSaveStoresDataWithMetadata(t *testing.T) {
	storage, mock := newDataBusStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO data_bus (id, meta, data, creation_time) VALUES ($1, $2, $3, $4)`)).
		WithArgs("att-1", []byte(`{"content-type":"text/plain"}`), []byte("payload"), testClock().Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := storage.Save(context.Background(), "att-1", strings.NewReader("payload"),
		map[string]string{"content-type": "text/plain"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWithoutMetadataStoresNullMeta(t *testing.T) {
	storage, mock := newDataBusStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO data_bus (id, meta, data, creation_time) VALUES ($1, $2, $3, $4)`)).
		WithArgs("att-1", nil, []byte("payload"), testClock().Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, storage.Save(context.Background(), "att-1", strings.NewReader("payload"), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStreamsStoredDataAndBumpsReadTime(t *testing.T) {
	storage, mock := newDataBusStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE data_bus SET last_read_time = $1 WHERE id = $2`)).
		WithArgs(testClock().Now(), "att-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM data_bus WHERE id = $1`)).
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("payload")))
	mock.ExpectCommit()

	reader, err := storage.Read(context.Background(), "att-1")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadOfUnknownIdIsNotFound(t *testing.T) {
	storage, mock := newDataBusStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE data_bus SET last_read_time = $1 WHERE id = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM data_bus WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := storage.Read(context.Background(), "missing")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "missing", notFound.Id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadMetadataIncludesComputedKeys(t *testing.T) {
	storage, mock := newDataBusStorage(t)
	saved := time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC)
	read := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT meta, creation_time, last_read_time, length(data) AS data_length FROM data_bus WHERE id = $1`)).
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows([]string{"meta", "creation_time", "last_read_time", "data_length"}).
			AddRow([]byte(`{"content-type":"text/plain"}`), saved, read, int64(7)))
	mock.ExpectCommit()

	metadata, err := storage.ReadMetadata(context.Background(), "att-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"content-type":   "text/plain",
		MetadataLength:   "7",
		MetadataSaveTime: saved.Format(time.RFC3339Nano),
		MetadataReadTime: read.Format(time.RFC3339Nano),
	}, metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadMetadataOmitsReadTimeUntilFirstRead(t *testing.T) {
	storage, mock := newDataBusStorage(t)
	saved := time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT meta, creation_time, last_read_time, length(data) AS data_length FROM data_bus WHERE id = $1`)).
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows([]string{"meta", "creation_time", "last_read_time", "data_length"}).
			AddRow(nil, saved, nil, int64(7)))
	mock.ExpectCommit()

	metadata, err := storage.ReadMetadata(context.Background(), "att-1")
	require.NoError(t, err)
	require.NotContains(t, metadata, MetadataReadTime)
	require.Equal(t, "7", metadata[MetadataLength])
	require.NoError(t, mock.ExpectationsWereMet())
}

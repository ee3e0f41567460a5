package sqlbus

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// Metadata keys computed by ReadMetadata in addition to whatever was
// stored with the data.
const (
	MetadataLength   = "sqlbus-length"
	MetadataSaveTime = "sqlbus-save-time"
	MetadataReadTime = "sqlbus-read-time"
)

// DataBusStorage stores large message attachments out of band, keyed by a
// caller-assigned id.
type DataBusStorage struct {
	factory     *Factory
	table       string
	clock       Clock
	headerCodec HeaderCodec
	logger      zerolog.Logger
}

type DataBusOption func(*DataBusStorage)

// WithDataBusLogger replaces the storage's logger.
func WithDataBusLogger(logger zerolog.Logger) DataBusOption {
	return func(d *DataBusStorage) { d.logger = logger }
}

// WithDataBusClock replaces the storage's clock.
func WithDataBusClock(clock Clock) DataBusOption {
	return func(d *DataBusStorage) { d.clock = clock }
}

func NewDataBusStorage(factory *Factory, table string, opts ...DataBusOption) *DataBusStorage {
	d := &DataBusStorage{
		factory:     factory,
		table:       table,
		clock:       SystemClock{},
		headerCodec: JSONHeaderCodec{},
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Save stores the bytes read from source under id, along with optional
// metadata.
func (d *DataBusStorage) Save(ctx context.Context, id string, source io.Reader, metadata map[string]string) error {
	data, err := io.ReadAll(source)
	if err != nil {
		return fmt.Errorf("could not read source data for %s: %w", id, err)
	}

	var meta []byte
	if metadata != nil {
		meta, err = d.headerCodec.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("could not serialize metadata for %s: %w", id, err)
		}
	}

	uow, err := d.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	query := fmt.Sprintf("INSERT INTO %s (id, meta, data, creation_time) VALUES ($1, $2, $3, $4)", d.table)
	if _, err := uow.Tx().ExecContext(ctx, query, id, meta, data, d.clock.Now()); err != nil {
		return fmt.Errorf("could not save data with id %s: %w", id, err)
	}
	return uow.Complete()
}

// Read opens the data stored under id. An unknown id is a *NotFoundError,
// not an empty stream. The last-read time is bumped before the data is
// fetched.
func (d *DataBusStorage) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := d.updateLastReadTime(ctx, id); err != nil {
		return nil, err
	}

	uow, err := d.factory.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Dispose()

	var data []byte
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = $1", d.table)
	if err := uow.Tx().GetContext(ctx, &data, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Table: d.table, Id: id}
		}
		return nil, fmt.Errorf("could not read data with id %s: %w", id, err)
	}
	if err := uow.Complete(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadMetadata returns the metadata stored with id, plus the computed
// length, save-time and read-time keys. An unknown id is a
// *NotFoundError.
func (d *DataBusStorage) ReadMetadata(ctx context.Context, id string) (map[string]string, error) {
	uow, err := d.factory.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Dispose()

	var row struct {
		Meta         []byte       `db:"meta"`
		CreationTime time.Time    `db:"creation_time"`
		LastReadTime sql.NullTime `db:"last_read_time"`
		DataLength   int64        `db:"data_length"`
	}
	query := fmt.Sprintf("SELECT meta, creation_time, last_read_time, length(data) AS data_length FROM %s WHERE id = $1", d.table)
	if err := uow.Tx().GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Table: d.table, Id: id}
		}
		return nil, fmt.Errorf("could not read metadata of id %s: %w", id, err)
	}

	metadata := make(map[string]string)
	if row.Meta != nil {
		metadata, err = d.headerCodec.Unmarshal(row.Meta)
		if err != nil {
			return nil, fmt.Errorf("could not deserialize metadata of id %s: %w", id, err)
		}
	}
	metadata[MetadataLength] = strconv.FormatInt(row.DataLength, 10)
	metadata[MetadataSaveTime] = row.CreationTime.Format(time.RFC3339Nano)
	if row.LastReadTime.Valid {
		metadata[MetadataReadTime] = row.LastReadTime.Time.Format(time.RFC3339Nano)
	}

	if err := uow.Complete(); err != nil {
		return nil, err
	}
	return metadata, nil
}

func (d *DataBusStorage) updateLastReadTime(ctx context.Context, id string) error {
	uow, err := d.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	query := fmt.Sprintf("UPDATE %s SET last_read_time = $1 WHERE id = $2", d.table)
	if _, err := uow.Tx().ExecContext(ctx, query, d.clock.Now(), id); err != nil {
		return fmt.Errorf("could not update last read time of id %s: %w", id, err)
	}
	return uow.Complete()
}

// EnsureTableIsCreated provisions the data bus table, retrying once if
// the first attempt collided with another process creating it
// concurrently.
func (d *DataBusStorage) EnsureTableIsCreated(ctx context.Context) error {
	if err := d.ensureTableIsCreated(ctx); err != nil {
		return d.ensureTableIsCreated(ctx)
	}
	return nil
}

func (d *DataBusStorage) ensureTableIsCreated(ctx context.Context) error {
	conn, err := d.factory.OpenRaw(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := schema.Exists(ctx, conn, d.table)
	if err != nil {
		return err
	}
	if exists {
		d.logger.Debug().Str("table", d.table).Msg("database already contains the data bus table - will not create anything")
		return nil
	}

	d.logger.Info().Str("table", d.table).Msg("creating data bus table")
	return schema.Create(ctx, conn, schema.DataBus(d.table))
}

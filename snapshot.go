package sqlbus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// SagaSnapshotStorage is an append-only audit log of saga state. Each
// save stores the state at one (id, revision), so history is never
// overwritten.
type SagaSnapshotStorage struct {
	factory     *Factory
	table       string
	codec       Codec
	headerCodec HeaderCodec
	logger      zerolog.Logger
}

type SnapshotOption func(*SagaSnapshotStorage)

// WithSnapshotLogger replaces the storage's logger.
func WithSnapshotLogger(logger zerolog.Logger) SnapshotOption {
	return func(s *SagaSnapshotStorage) { s.logger = logger }
}

// WithSnapshotHeaderCodec replaces the codec used for audit metadata.
func WithSnapshotHeaderCodec(codec HeaderCodec) SnapshotOption {
	return func(s *SagaSnapshotStorage) { s.headerCodec = codec }
}

func NewSagaSnapshotStorage(factory *Factory, table string, codec Codec, opts ...SnapshotOption) *SagaSnapshotStorage {
	s := &SagaSnapshotStorage{
		factory:     factory,
		table:       table,
		codec:       codec,
		headerCodec: JSONHeaderCodec{},
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save appends a snapshot of data at its current revision, together with
// the audit metadata.
func (s *SagaSnapshotStorage) Save(ctx context.Context, data SagaData, metadata map[string]string) error {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	raw, err := s.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not serialize saga data: %w", err)
	}
	meta, err := s.headerCodec.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("could not serialize saga audit metadata: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (id, revision, metadata, data) VALUES ($1, $2, $3, $4)", s.table)
	if _, err := uow.Tx().ExecContext(ctx, query, data.Id(), data.Revision(), meta, raw); err != nil {
		return fmt.Errorf("could not save snapshot of saga %s at revision %d: %w", data.Id(), data.Revision(), err)
	}
	return uow.Complete()
}

// EnsureTableIsCreated provisions the snapshots table. Safe under
// concurrent first-time callers.
func (s *SagaSnapshotStorage) EnsureTableIsCreated(ctx context.Context) error {
	conn, err := s.factory.OpenRaw(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := schema.Exists(ctx, conn, s.table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	s.logger.Info().Str("table", s.table).Msg("saga snapshots table does not exist - it will be created now")
	return schema.Create(ctx, conn, schema.SagaSnapshots(s.table))
}

package sqlbus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gobus/sqlbus/internal/schema"
)

// SubscriptionStorage is a topic to subscriber-address registry.
type SubscriptionStorage struct {
	factory     *Factory
	table       string
	centralized bool
	logger      zerolog.Logger
}

type SubscriptionOption func(*SubscriptionStorage)

// WithSubscriptionLogger replaces the storage's logger.
func WithSubscriptionLogger(logger zerolog.Logger) SubscriptionOption {
	return func(s *SubscriptionStorage) { s.logger = logger }
}

// NewSubscriptionStorage creates the registry over the given table. When
// centralized is true, subscribers are expected to manipulate the
// registry directly instead of requesting subscription via messages.
func NewSubscriptionStorage(factory *Factory, table string, centralized bool, opts ...SubscriptionOption) *SubscriptionStorage {
	s := &SubscriptionStorage{
		factory:     factory,
		table:       table,
		centralized: centralized,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCentralized reports whether subscribers may bypass subscription
// request messages and manipulate the registry directly.
func (s *SubscriptionStorage) IsCentralized() bool { return s.centralized }

// GetSubscriberAddresses returns all destination addresses subscribed to
// the topic.
func (s *SubscriptionStorage) GetSubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Dispose()

	var addresses []string
	query := fmt.Sprintf("SELECT address FROM %s WHERE topic = $1", s.table)
	if err := uow.Tx().SelectContext(ctx, &addresses, query, topic); err != nil {
		return nil, fmt.Errorf("could not get subscribers of topic %s: %w", topic, err)
	}
	if err := uow.Complete(); err != nil {
		return nil, err
	}
	return addresses, nil
}

// RegisterSubscriber registers address as a subscriber of topic.
// Registering the same address twice is benign.
func (s *SubscriptionStorage) RegisterSubscriber(ctx context.Context, topic, address string) error {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	query := fmt.Sprintf("INSERT INTO %s (topic, address) VALUES ($1, $2)", s.table)
	if _, err := uow.Tx().ExecContext(ctx, query, topic, address); err != nil {
		if isUniqueViolation(err) {
			// it's already there
			return nil
		}
		return fmt.Errorf("could not register %s as a subscriber of %s: %w", address, topic, err)
	}
	return uow.Complete()
}

// UnregisterSubscriber removes address as a subscriber of topic.
func (s *SubscriptionStorage) UnregisterSubscriber(ctx context.Context, topic, address string) error {
	uow, err := s.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer uow.Dispose()

	query := fmt.Sprintf("DELETE FROM %s WHERE topic = $1 AND address = $2", s.table)
	if _, err := uow.Tx().ExecContext(ctx, query, topic, address); err != nil {
		return fmt.Errorf("failed to delete subscription from storage: %w", err)
	}
	return uow.Complete()
}

// EnsureTableIsCreated provisions the subscriptions table. Safe under
// concurrent first-time callers.
func (s *SubscriptionStorage) EnsureTableIsCreated(ctx context.Context) error {
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

	s.logger.Info().Str("table", s.table).Msg("subscriptions table does not exist - it will be created now")
	return schema.Create(ctx, conn, schema.Subscriptions(s.table))
}

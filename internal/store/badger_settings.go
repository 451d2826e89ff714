package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	settingsKeyPrefix  = "setting:"
	maxConflictRetries = 10
)

// BadgerSettingsStore keeps settings, including the processing watermark, in
// an embedded database for deployments without Postgres-backed settings.
type BadgerSettingsStore struct {
	db  *badger.DB
	log *logrus.Entry
}

func NewBadgerSettingsStore(dir string, logger *logrus.Entry) (*BadgerSettingsStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings directory %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(logger.WithField("component", "badgerdb")).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger settings at %s: %w", dir, err)
	}
	return &BadgerSettingsStore{db: db, log: logger}, nil
}

func (s *BadgerSettingsStore) Get(_ context.Context, key, fallback string) (string, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingsKeyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return string(value), nil
}

func (s *BadgerSettingsStore) Set(_ context.Context, key, value string) error {
	for i := range maxConflictRetries {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(settingsKeyPrefix+key), []byte(value))
		})
		if !errors.Is(err, badger.ErrConflict) {
			if err != nil {
				return fmt.Errorf("write setting %s: %w", key, err)
			}
			return nil
		}
		s.log.Debugf("settings transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("write setting %s: conflict not resolved after %d retries", key, maxConflictRetries)
}

func (s *BadgerSettingsStore) Close() error {
	return s.db.Close()
}

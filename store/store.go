// Package store provides the persistent key-value state store backing the
// auction ledger and the confidential wrapper. Records are CBOR-encoded and
// kept in BadgerDB; multi-record mutations run inside a single Badger
// transaction so every ledger operation remains all-or-nothing.
package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("record not found")

// Store is a CBOR-over-Badger key-value store.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens (or creates) a store under dir.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.ValueLogFileSize = 256 << 20
	opts.NumMemtables = 2
	opts.Logger = badgerLogger{logger}
	return open(opts, logger)
}

// OpenInMemory opens an ephemeral store. Used by tests and by hosts that
// provide their own durability.
func OpenInMemory(logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = badgerLogger{logger}
	return open(opts, logger)
}

func open(opts badger.Options, logger zerolog.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	logger.Info().Str("dir", opts.Dir).Bool("in_memory", opts.InMemory).Msg("store opened")
	return &Store{db: db, log: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put encodes v as CBOR and writes it under key.
func (s *Store) Put(key string, v any) error {
	return s.Update(func(tx *Tx) error {
		return tx.Put(key, v)
	})
}

// Get decodes the record under key into v. Returns ErrNotFound when the key
// has no record.
func (s *Store) Get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getInto(txn, key, v)
	})
}

// Delete removes the record under key. Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// List calls fn for every record whose key starts with prefix, in key order.
func (s *Store) List(prefix string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				return fn(string(item.Key()), val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs fn inside a single write transaction. All puts and deletes
// apply atomically or not at all.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Tx is a write transaction over the store.
type Tx struct {
	txn *badger.Txn
}

// Put encodes v as CBOR and stages it under key.
func (t *Tx) Put(key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	if err := t.txn.Set([]byte(key), raw); err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	return nil
}

// Get decodes the record under key into v.
func (t *Tx) Get(key string, v any) error {
	return getInto(t.txn, key, v)
}

// Delete stages removal of the record under key.
func (t *Tx) Delete(key string) error {
	if err := t.txn.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	return nil
}

func getInto(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("read record %q: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := cbor.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		return nil
	})
}

// badgerLogger adapts zerolog to Badger's logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log.Error().Msgf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log.Warn().Msgf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log.Debug().Msgf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log.Debug().Msgf(format, args...) }

// Package persist provides the durable home for the knowledge store's
// committed view, backed by BadgerDB.
//
// The unit of durability is the whole visible view: SaveView replaces
// the stored set in one transaction, so a crash mid-save never leaves a
// half-written view. Records are stored under sequence keys to preserve
// traversal order, with an id index for point lookups.
//
// Key Structure:
//   - Records: 0x01 + bigEndian(seq) -> JSON(Record)
//   - ID Index: 0x02 + recordID -> bigEndian(seq)
package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/muninndb/pkg/record"
)

// Key prefixes, single-byte for efficiency.
const (
	prefixRecord = byte(0x01)
	prefixID     = byte(0x02)
)

// Options configures the persistence layer.
type Options struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing;
	// data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// Store persists the committed knowledge view.
//
// Thread-safe: safe for concurrent use from multiple goroutines.
type Store struct {
	db *badger.DB
}

// Open creates a persistent store at dataDir with default settings.
func Open(dataDir string) (*Store, error) {
	return OpenWithOptions(Options{DataDir: dataDir})
}

// OpenInMemory creates an in-memory store for testing. Data is lost on
// Close.
func OpenInMemory() (*Store, error) {
	return OpenWithOptions(Options{InMemory: true})
}

// OpenWithOptions creates a store with custom configuration.
func OpenWithOptions(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Tuned down for containerized environments.
	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveView atomically replaces the stored view with records, preserving
// their order. Either the whole new view lands or the old view stays.
func (s *Store) SaveView(records []record.Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := dropAll(txn); err != nil {
			return err
		}
		for seq, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", r.ID, err)
			}
			key := recordKey(uint64(seq))
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set record %s: %w", r.ID, err)
			}
			if err := txn.Set(idKey(r.ID), key[1:]); err != nil {
				return fmt.Errorf("index record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadView returns the stored view in its original order.
func (s *Store) LoadView() ([]record.Record, error) {
	var records []record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte{prefixRecord},
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r record.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("unmarshal record: %w", err)
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns one stored record by id.
func (s *Store) Get(id record.ID) (record.Record, error) {
	var rec record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte{prefixRecord}, val...)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record.Record{}, fmt.Errorf("record %s: %w", id, record.ErrNotFound)
	}
	if err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixRecord}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// dropAll removes every record and index entry within txn.
func dropAll(txn *badger.Txn) error {
	for _, prefix := range [][]byte{{prefixRecord}, {prefixID}} {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %x: %w", key, err)
			}
		}
	}
	return nil
}

// recordKey creates the ordered key for one record slot.
func recordKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixRecord
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// idKey creates the index key for a record id.
func idKey(id record.ID) []byte {
	return append([]byte{prefixID}, []byte(id)...)
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger"

	"github.com/opwallet/sponsord/relay"
)

// Fixed key schema. Values are JSON records consumed by both the HTTP-action
// handlers and the event handlers. Writes are last-write-wins; callers keep a
// single logical writer per key.
const (
	KeyRound = "round"
	KeyQueue = "queue"
	KeyNotes = "notes"
)

// ErrKeyNotFound is an alias for badger.ErrKeyNotFound so that callers don't
// have to import badger to use the semantics. Either error will satisfy
// errors.Is the same.
var ErrKeyNotFound = badger.ErrKeyNotFound

// RoundState is the single active round's record.
type RoundState struct {
	Number    uint64    `json:"number"`
	Phase     string    `json:"phase"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QueueEntry is one member of the append-only join queue.
type QueueEntry struct {
	Wallet   string    `json:"wallet"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Note is one posted note.
type Note struct {
	Author   string    `json:"author"`
	Body     string    `json:"body"`
	PostedAt time.Time `json:"postedAt"`
}

// Config is the configuration settings for the Store.
type Config struct {
	Path string
	Log  relay.Logger
}

// Store is a badger-backed key-value store holding JSON records.
type Store struct {
	*badger.DB
	log relay.Logger
	wg  sync.WaitGroup
}

// New opens the Store at the configured path.
func New(cfg *Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(&badgerLoggerWrapper{cfg.Log})
	bdb, err := badger.Open(opts)
	if err == badger.ErrTruncateNeeded {
		// Probably a Windows thing.
		// https://github.com/dgraph-io/badger/issues/744
		cfg.Log.Warnf("Error opening badger db: %v", err)
		opts.Truncate = true
		cfg.Log.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		bdb, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	return &Store{
		DB:  bdb,
		log: cfg.Log,
	}, nil
}

// Connect starts the Store's garbage collection loop and arranges shutdown
// when the context is canceled.
func (s *Store) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	s.wg.Add(1)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer func() {
			ticker.Stop()
			s.Close()
			s.wg.Done()
		}()
		for {
			select {
			case <-ticker.C:
				err := s.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					s.log.Errorf("garbage collection error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &s.wg, nil
}

// Get decodes the record at key into v. ErrKeyNotFound if the key has never
// been set.
func (s *Store) Get(key string, v any) error {
	return s.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			return json.Unmarshal(b, v)
		})
	})
}

// Set stores v at key, replacing any previous record.
func (s *Store) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record for %q: %w", key, err)
	}
	return s.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
}

// Append adds v to the JSON list at key, creating the list if absent. The
// read-modify-write runs in one transaction.
func (s *Store) Append(key string, v any) error {
	entry, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding list entry for %q: %w", key, err)
	}
	return s.Update(func(txn *badger.Txn) error {
		list := []json.RawMessage{}
		item, err := txn.Get([]byte(key))
		if err == nil {
			err = item.Value(func(b []byte) error {
				return json.Unmarshal(b, &list)
			})
		}
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		list = append(list, entry)
		b, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), b)
	})
}

// List decodes the JSON list at key into out, which must be a pointer to a
// slice. A missing key yields an empty list, not an error.
func (s *Store) List(key string, out any) error {
	err := s.Get(key, out)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Delete removes the record at key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Increment bumps the counter at key by one and returns the new value.
func (s *Store) Increment(key string) (uint64, error) {
	var n uint64
	err := s.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			err = item.Value(func(b []byte) error {
				return json.Unmarshal(b, &n)
			})
		}
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		n++
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), b)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

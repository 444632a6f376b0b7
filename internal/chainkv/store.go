// Package chainkv adapts a single cometbft-db handle into the
// column-family KV interface the chain store needs (spec.md §6),
// generalizing the teacher's pkg/kvdb.KVAdapter (which wraps one
// dbm.DB behind one flat interface) into a column-keyed facade: each
// logical column is a key prefix within the same underlying database,
// and cross-column iteration never leaks across prefixes.
package chainkv

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/shardnet/node/internal/types"
)

// Store adapts a dbm.DB into types.KVStore.
type Store struct {
	db dbm.DB
}

// Open opens (creating if absent) a goleveldb-backed store rooted at
// dataDir/name, the same backend the teacher selects via
// cometbft-db's goleveldb driver.
func Open(name, dataDir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dataDir)
	if err != nil {
		return nil, fmt.Errorf("open chain kv store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMem opens an in-memory store, used by tests.
func NewMem() *Store {
	return &Store{db: dbm.NewMemDB()}
}

func (s *Store) Close() error { return s.db.Close() }

func prefixedKey(col types.KVColumn, key []byte) []byte {
	out := make([]byte, 0, len(col)+1+len(key))
	out = append(out, []byte(col)...)
	out = append(out, ':')
	out = append(out, key...)
	return out
}

func (s *Store) Get(col types.KVColumn, key []byte) ([]byte, error) {
	v, err := s.db.Get(prefixedKey(col, key))
	if err != nil {
		return nil, fmt.Errorf("chainkv get %s: %w", col, err)
	}
	return v, nil
}

func (s *Store) Has(col types.KVColumn, key []byte) (bool, error) {
	ok, err := s.db.Has(prefixedKey(col, key))
	if err != nil {
		return false, fmt.Errorf("chainkv has %s: %w", col, err)
	}
	return ok, nil
}

func (s *Store) Iterate(col types.KVColumn, fn func(key, value []byte) bool) error {
	return s.IteratePrefix(col, nil, fn)
}

func (s *Store) IteratePrefix(col types.KVColumn, prefix []byte, fn func(key, value []byte) bool) error {
	start := prefixedKey(col, prefix)
	end := prefixEnd(start)
	it, err := s.db.Iterator(start, end)
	if err != nil {
		return fmt.Errorf("chainkv iterate %s: %w", col, err)
	}
	defer it.Close()
	colPrefixLen := len(col) + 1
	for ; it.Valid(); it.Next() {
		k := it.Key()
		if len(k) < colPrefixLen {
			continue
		}
		if fn(k[colPrefixLen:], it.Value()) {
			break
		}
	}
	return it.Error()
}

// prefixEnd returns the smallest key greater than every key with
// prefix p, i.e. the exclusive upper bound for a prefix scan.
func prefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xff: unbounded
}

type batch struct {
	db dbm.DB
	b  dbm.Batch
}

func (s *Store) NewBatch() types.KVBatch {
	return &batch{db: s.db, b: s.db.NewBatch()}
}

func (b *batch) Put(col types.KVColumn, key, value []byte) {
	_ = b.b.Set(prefixedKey(col, key), value)
}

func (b *batch) Delete(col types.KVColumn, key []byte) {
	_ = b.b.Delete(prefixedKey(col, key))
}

func (b *batch) Commit() error {
	defer b.b.Close()
	if err := b.b.WriteSync(); err != nil {
		return fmt.Errorf("chainkv batch commit: %w", err)
	}
	return nil
}

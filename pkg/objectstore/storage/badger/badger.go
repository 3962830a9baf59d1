// Package badger provides a blob store backed by an embedded Badger database.
package badger

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/dgraph-io/badger/v4"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

const keyPrefix = "blob/"

// Config options for the Badger backend
type Config struct {
	// Dir is the database directory. It is ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// Backend is a Badger implementation of objectstore.BlobStore.
type Backend struct {
	db    *badger.DB
	owned bool
}

var _ objectstore.BlobStore = (*Backend)(nil)

// Open opens or creates the database described by config. The database is
// closed by Close.
func Open(config Config) (*Backend, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		opts = badger.DefaultOptions(config.Dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, objectstore.DeviceError("badger", "open", config.Dir, err)
	}
	return &Backend{db: db, owned: true}, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func key(token string) []byte {
	return []byte(keyPrefix + token)
}

// Put stores a new blob. Content is buffered so the write commits in one
// transaction.
func (b *Backend) Put(ctx context.Context, token string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return objectstore.DeviceError("badger", "put", token, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(token)); err == nil {
			return objectstore.ErrBlobExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(token), data)
	})
	return objectstore.DeviceError("badger", "put", token, err)
}

// Get returns a blob. The value is copied out of the transaction.
func (b *Backend) Get(ctx context.Context, token string) (io.ReadCloser, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return objectstore.ErrBlobNotFound
		} else if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, objectstore.DeviceError("badger", "get", token, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Replace overwrites an existing blob.
func (b *Backend) Replace(ctx context.Context, token string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return objectstore.DeviceError("badger", "replace", token, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(token)); errors.Is(err, badger.ErrKeyNotFound) {
			return objectstore.ErrBlobNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(key(token), data)
	})
	return objectstore.DeviceError("badger", "replace", token, err)
}

// Remove deletes a blob.
func (b *Backend) Remove(ctx context.Context, token string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(token)); errors.Is(err, badger.ErrKeyNotFound) {
			return objectstore.ErrBlobNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key(token))
	})
	return objectstore.DeviceError("badger", "remove", token, err)
}

// Tokens lists every stored token in key order.
func (b *Backend) Tokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			tokens = append(tokens, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return tokens, objectstore.DeviceError("badger", "list", "", err)
}

// Close closes the database if Open created it.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

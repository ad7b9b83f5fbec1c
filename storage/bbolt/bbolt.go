// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekey/storage"
)

// Store implements storage.Repository backed by a BBolt database. Each
// collection maps to one bucket.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getBucket(tx *bbolt.Tx, collection string) (*bbolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(collection))
}

func (s *Store) Put(collection, id string, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := getBucket(tx, collection)
		if err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *Store) Get(collection, id string) (*storage.Document, error) {
	var doc storage.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) List(collection, prefix string) ([]string, error) {
	var ids []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

func (s *Store) Delete(collection, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func putCASInTx(tx *bbolt.Tx, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	b, err := getBucket(tx, collection)
	if err != nil {
		return err
	}
	existingData := b.Get([]byte(id))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Document
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (s *Store) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putCASInTx(tx, collection, id, expectedVersion, doc)
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

var _ storage.BatchTx = (*boltBatchTx)(nil)

func (btx *boltBatchTx) Put(collection, id string, doc *storage.Document) error {
	b, err := getBucket(btx.tx, collection)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (btx *boltBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return putCASInTx(btx.tx, collection, id, expectedVersion, doc)
}

func (btx *boltBatchTx) Delete(collection, id string) error {
	b := btx.tx.Bucket([]byte(collection))
	if b == nil || b.Get([]byte(id)) == nil {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return b.Delete([]byte(id))
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

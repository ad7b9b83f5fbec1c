// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"strings"
	"sync"

	"github.com/jmcleod/gatekey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Document
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Document)}
}

func cloneDocument(doc *storage.Document) *storage.Document {
	if doc == nil {
		return nil
	}
	return &storage.Document{
		Data:    append([]byte(nil), doc.Data...),
		Version: doc.Version,
	}
}

func (r *Repository) Put(collection, id string, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(collection, id, doc)
}

func (r *Repository) putLocked(collection, id string, doc *storage.Document) error {
	if _, ok := r.data[collection]; !ok {
		r.data[collection] = make(map[string]*storage.Document)
	}
	r.data[collection][id] = cloneDocument(doc)
	return nil
}

func (r *Repository) Get(collection, id string) (*storage.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(collection, id)
}

func (r *Repository) getLocked(collection, id string) (*storage.Document, error) {
	docs, ok := r.data[collection]
	if !ok {
		return nil, storage.ErrNotFound
	}
	doc, ok := docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (r *Repository) List(collection, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.data[collection] {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(collection, id)
}

func (r *Repository) deleteLocked(collection, id string) error {
	docs, ok := r.data[collection]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(docs, id)
	return nil
}

func (r *Repository) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(collection, id, expectedVersion, doc)
}

func (r *Repository) putCASLocked(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	existing, err := r.getLocked(collection, id)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(collection, id, doc)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(collection, id, doc)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Document {
	cp := make(map[string]map[string]*storage.Document, len(r.data))
	for collection, docs := range r.data {
		cpDocs := make(map[string]*storage.Document, len(docs))
		for id, doc := range docs {
			cpDocs[id] = cloneDocument(doc)
		}
		cp[collection] = cpDocs
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

var _ storage.BatchTx = (*memoryBatchTx)(nil)

func (tx *memoryBatchTx) Put(collection, id string, doc *storage.Document) error {
	return tx.repo.putLocked(collection, id, doc)
}

func (tx *memoryBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return tx.repo.putCASLocked(collection, id, expectedVersion, doc)
}

func (tx *memoryBatchTx) Delete(collection, id string) error {
	return tx.repo.deleteLocked(collection, id)
}

// Package storage provides the document store abstraction for challenge and
// file records.
package storage

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Document is a stored JSON record with a caller-managed version counter
// used for compare-and-swap writes.
type Document struct {
	Data    json.RawMessage `json:"data"`
	Version uint64          `json:"version"`
}

// BatchTx provides Put, PutCAS and Delete within an atomic transaction.
type BatchTx interface {
	Put(collection, id string, doc *Document) error
	PutCAS(collection, id string, expectedVersion uint64, doc *Document) error
	Delete(collection, id string) error
}

// Repository defines the interface for document storage.
//
// PutCAS with expectedVersion 0 requires the document to be absent; any other
// value requires the stored version to match exactly. Batch executes fn
// atomically: either every write inside fn is applied, or none are.
type Repository interface {
	Put(collection, id string, doc *Document) error
	Get(collection, id string) (*Document, error)
	List(collection, prefix string) ([]string, error)
	Delete(collection, id string) error
	PutCAS(collection, id string, expectedVersion uint64, doc *Document) error
	Batch(fn func(tx BatchTx) error) error
}

// Encode marshals v into a Document carrying the given version.
func Encode(v any, version uint64) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Document{Data: data, Version: version}, nil
}

// Decode unmarshals the document payload into v.
func Decode(doc *Document, v any) error {
	return json.Unmarshal(doc.Data, v)
}

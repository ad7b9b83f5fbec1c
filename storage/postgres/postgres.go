// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The documents table uses a composite primary key (collection, id) mirroring
// the key space of the BBolt and in-memory backends. The payload is stored as
// JSONB so operators can inspect challenge and file records with plain SQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatekey/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(collection, id string, doc *storage.Document) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO documents (collection, id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET data = $3, version = $4`,
		collection, id, []byte(doc.Data), doc.Version)
	return err
}

func (s *Store) Get(collection, id string) (*storage.Document, error) {
	var doc storage.Document
	var data []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT data, version FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data, &doc.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Data = data
	return &doc, nil
}

func (s *Store) List(collection, prefix string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT id FROM documents WHERE collection = $1 AND starts_with(id, $2) ORDER BY id`,
		collection, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(collection, id string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, collection, id, expectedVersion, doc); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(collection, id string, doc *storage.Document) error {
	_, err := btx.tx.Exec(context.Background(),
		`INSERT INTO documents (collection, id, data, version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET data = $3, version = $4`,
		collection, id, []byte(doc.Data), doc.Version)
	return err
}

func (btx *pgBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return putCASInTx(context.Background(), btx.tx, collection, id, expectedVersion, doc)
}

func (btx *pgBatchTx) Delete(collection, id string) error {
	tag, err := btx.tx.Exec(context.Background(),
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// putCASInTx performs a compare-and-swap put within an existing transaction.
// The SELECT ... FOR UPDATE serialises concurrent writers on the same row.
func putCASInTx(ctx context.Context, tx pgx.Tx, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM documents
		 WHERE collection = $1 AND id = $2
		 FOR UPDATE`,
		collection, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (collection, id, data, version)
			 VALUES ($1, $2, $3, $4)`,
			collection, id, []byte(doc.Data), doc.Version)
		return err
	}
	if err != nil {
		return err
	}
	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}
	_, err = tx.Exec(ctx,
		`UPDATE documents SET data = $3, version = $4
		 WHERE collection = $1 AND id = $2`,
		collection, id, []byte(doc.Data), doc.Version)
	return err
}

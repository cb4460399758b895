// Package postgres implements store.TransactionStore on top of
// Postgres via pgx. The primary key (database_id, sequence_no) and the
// conditional rollback insert map directly onto a unique index and
// `INSERT ... ON CONFLICT DO NOTHING`.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandiprb/userbase/internal/store"
	"github.com/sandiprb/userbase/internal/wire"
)

// Schema is the DDL this store expects to already exist. Migration
// tooling is out of scope for the engine (§1); this is documentation,
// not something the store executes itself.
const Schema = `
CREATE TABLE IF NOT EXISTS transactions (
	database_id   TEXT NOT NULL,
	sequence_no   BIGINT NOT NULL,
	command       TEXT NOT NULL,
	creation_date TIMESTAMPTZ NOT NULL,
	key           JSONB,
	record        JSONB,
	file_metadata JSONB,
	file_id       TEXT,
	file_encryption_key TEXT,
	operations    JSONB,
	PRIMARY KEY (database_id, sequence_no)
);
`

// Store is a pgx-backed TransactionStore.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool against dsn.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// QueryAfter implements store.TransactionStore using a keyset cursor:
// the cursor is the last sequence number seen on the previous page, so
// pagination stays stable even as new rows are appended concurrently.
func (s *Store) QueryAfter(ctx context.Context, databaseID string, afterSeqNo int64, cursor string, pageSize int) ([]wire.Transaction, string, error) {
	lowerBound := afterSeqNo
	if cursor != "" {
		var parsed int64
		if _, err := fmt.Sscanf(cursor, "%d", &parsed); err != nil {
			return nil, "", fmt.Errorf("postgres: bad cursor %q: %w", cursor, err)
		}
		lowerBound = parsed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sequence_no, command, creation_date, key, record, file_metadata, file_id, file_encryption_key, operations
		FROM transactions
		WHERE database_id = $1 AND sequence_no > $2
		ORDER BY sequence_no ASC
		LIMIT $3`, databaseID, lowerBound, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: query after: %w", err)
	}
	defer rows.Close()

	var page []wire.Transaction
	var lastSeq int64
	for rows.Next() {
		var t wire.Transaction
		t.DatabaseID = databaseID
		if err := rows.Scan(&t.SequenceNo, &t.Command, &t.CreationDate, &t.Key, &t.Record, &t.FileMetadata, &t.FileID, &t.FileEncryptionKey, &t.Operations); err != nil {
			return nil, "", fmt.Errorf("postgres: scan: %w", err)
		}
		page = append(page, t)
		lastSeq = t.SequenceNo
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres: rows: %w", err)
	}

	nextCursor := ""
	if len(page) == pageSize {
		nextCursor = fmt.Sprintf("%d", lastSeq)
	}
	return page, nextCursor, nil
}

// Get implements store.TransactionStore.
func (s *Store) Get(ctx context.Context, databaseID string, sequenceNo int64) (wire.Transaction, error) {
	var t wire.Transaction
	t.DatabaseID = databaseID
	t.SequenceNo = sequenceNo

	err := s.pool.QueryRow(ctx, `
		SELECT command, creation_date, key, record, file_metadata, file_id, file_encryption_key, operations
		FROM transactions
		WHERE database_id = $1 AND sequence_no = $2`, databaseID, sequenceNo,
	).Scan(&t.Command, &t.CreationDate, &t.Key, &t.Record, &t.FileMetadata, &t.FileID, &t.FileEncryptionKey, &t.Operations)
	if errors.Is(err, pgx.ErrNoRows) {
		return wire.Transaction{}, store.ErrRecordNotFound
	}
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("postgres: get: %w", err)
	}
	return t, nil
}

// PutIfAbsent implements store.TransactionStore. The ON CONFLICT DO
// NOTHING clause is the "insert only if the slot is unoccupied"
// primitive the rollback safety argument (§4.2, §9) depends on.
func (s *Store) PutIfAbsent(ctx context.Context, record wire.Transaction) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (database_id, sequence_no, command, creation_date, key, record, file_metadata, file_id, file_encryption_key, operations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (database_id, sequence_no) DO NOTHING`,
		record.DatabaseID, record.SequenceNo, record.Command, record.CreationDate,
		record.Key, record.Record, record.FileMetadata, record.FileID, record.FileEncryptionKey, record.Operations)
	if err != nil {
		return fmt.Errorf("postgres: put if absent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSlotTaken
	}
	return nil
}

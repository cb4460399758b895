// Package store defines the external collaborators the fan-out engine
// depends on but does not own: the durable transaction log and the
// snapshot blob store (§6). Concrete backends live in the postgres,
// redisblob and memstore subpackages.
package store

import (
	"context"
	"errors"

	"github.com/sandiprb/userbase/internal/wire"
)

// ErrSlotTaken is returned by PutIfAbsent when another writer already
// occupies the (databaseId, sequenceNo) slot — the expected "lost the
// race" outcome of §4.2's rollback and §7's "Rollback-slot lost race"
// error kind.
var ErrSlotTaken = errors.New("store: sequence slot already occupied")

// ErrRecordNotFound is returned by Get when no record exists at the
// requested (databaseId, sequenceNo). A commit notification can race
// ahead of the durable write becoming visible to a replica read; the
// ingest consumer logs such a notification, counts it as failed and
// skips it without retrying.
var ErrRecordNotFound = errors.New("store: record not found")

// TransactionStore is the durable transaction log (§6): primary key
// (databaseId, sequenceNo), queryable by "sequenceNo > N" in ascending
// order with pagination, and supporting a conditional insert keyed on
// slot non-existence.
type TransactionStore interface {
	// QueryAfter returns up to pageSize records for databaseId with
	// sequenceNo > afterSeqNo, ordered ascending by sequenceNo, plus an
	// opaque cursor to fetch the next page (empty cursor means no more
	// pages). The first call passes an empty cursor.
	QueryAfter(ctx context.Context, databaseID string, afterSeqNo int64, cursor string, pageSize int) (records []wire.Transaction, nextCursor string, err error)

	// PutIfAbsent inserts record only if no record already exists at
	// (record.DatabaseID, record.SequenceNo). Returns ErrSlotTaken if
	// the slot is already occupied — this is the rollback safety hinge
	// of §4.2/§9.
	PutIfAbsent(ctx context.Context, record wire.Transaction) error

	// Get fetches the single record at (databaseId, sequenceNo).
	// Returns ErrRecordNotFound if no such record exists. Used to
	// reconstruct a full record from a compact commit notification.
	Get(ctx context.Context, databaseID string, sequenceNo int64) (wire.Transaction, error)
}

// SnapshotStore fetches opaque snapshot bytes for a database at a
// given bundle sequence number (§6).
type SnapshotStore interface {
	GetBundle(ctx context.Context, databaseID string, bundleSeqNo int64) ([]byte, error)
}

// Socket is the duplex message channel the engine writes framed JSON
// payloads to (§6). Concrete implementations live in
// internal/transport; the engine only depends on this interface so
// that the socket acceptor and handshake (out of scope, §1) can evolve
// independently.
type Socket interface {
	// WriteJSON frames and sends one payload. Errors are not handled
	// by the engine (§4.2 Failure semantics) — they surface to the
	// socket owner, which is expected to eventually call Registry.Close.
	WriteJSON(v any) error

	// Close closes the socket with the given status code (§6). Status
	// codes are caller-defined integers; this package does not
	// interpret them.
	Close(status int) error
}

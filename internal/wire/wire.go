// Package wire defines the transaction-log fan-out engine's data
// model: the durable transaction record (§3) and the JSON envelope
// sent to client sockets (§6).
package wire

import "time"

// CommandRollback is the sentinel command value that marks a synthetic
// gap-filler record (§3, §4.2 rollback).
const CommandRollback = "Rollback"

// Transaction is one durable record in the append-only per-database
// log (§3).
type Transaction struct {
	DatabaseID   string    `json:"databaseId"`
	SequenceNo   int64     `json:"sequenceNo"`
	Command      string    `json:"command"`
	CreationDate time.Time `json:"creationDate"`

	// Opaque fields the engine never inspects, only relays.
	Key               any `json:"key,omitempty"`
	Record            any `json:"record,omitempty"`
	FileMetadata      any `json:"fileMetadata,omitempty"`
	FileID            any `json:"fileId,omitempty"`
	FileEncryptionKey any `json:"fileEncryptionKey,omitempty"`
	Operations        any `json:"operations,omitempty"`
}

// IsRollback reports whether this transaction is a synthetic
// gap-filler record.
func (t Transaction) IsRollback() bool {
	return t.Command == CommandRollback
}

// EstimatedSize returns a rough byte estimate for the record's opaque
// payload fields, used to decide when to trigger a snapshot build
// (§4.2 sendPayload, §8 scenario 6). It sums the length of any
// string/[]byte field plus a fixed overhead per numeric/struct field,
// avoiding a full marshal round-trip on the hot path.
func (t Transaction) EstimatedSize() int {
	const fixedOverhead = 48 // databaseId/sequenceNo/command/creationDate framing
	size := fixedOverhead
	size += sizeOfAny(t.Key)
	size += sizeOfAny(t.Record)
	size += sizeOfAny(t.FileMetadata)
	size += sizeOfAny(t.FileID)
	size += sizeOfAny(t.FileEncryptionKey)
	size += sizeOfAny(t.Operations)
	return size
}

func sizeOfAny(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	case []byte:
		return len(val)
	default:
		return 32 // flat estimate for numbers/maps/structs
	}
}

// LogEntry is the wire projection of a Transaction inside a payload's
// transactionLog array (§6). Field names are camelCase and the
// durable store's `sequenceNo` is renamed to `seqNo` on the wire, per
// §4.2 sendPayload's "rename hyphenated fields" step.
type LogEntry struct {
	SeqNo             int64  `json:"seqNo"`
	Command           string `json:"command"`
	DBID              string `json:"dbId"`
	Key               any    `json:"key,omitempty"`
	Record            any    `json:"record,omitempty"`
	FileMetadata      any    `json:"fileMetadata,omitempty"`
	FileID            any    `json:"fileId,omitempty"`
	FileEncryptionKey any    `json:"fileEncryptionKey,omitempty"`
	Operations        any    `json:"operations,omitempty"`
}

// ProjectLogEntry converts a durable Transaction into its wire shape.
func ProjectLogEntry(t Transaction) LogEntry {
	return LogEntry{
		SeqNo:             t.SequenceNo,
		Command:           t.Command,
		DBID:              t.DatabaseID,
		Key:               t.Key,
		Record:            t.Record,
		FileMetadata:      t.FileMetadata,
		FileID:            t.FileID,
		FileEncryptionKey: t.FileEncryptionKey,
		Operations:        t.Operations,
	}
}

// RouteApplyTransactions is the only route this engine emits (§6).
const RouteApplyTransactions = "ApplyTransactions"

// Payload is the envelope sent to a client socket (§6).
type Payload struct {
	Route          string     `json:"route"`
	DBID           string     `json:"dbId"`
	DBNameHash     string     `json:"dbNameHash,omitempty"`
	IsOwner        bool       `json:"isOwner"`
	DBKey          string     `json:"dbKey,omitempty"`
	BundleSeqNo    *int64     `json:"bundleSeqNo,omitempty"`
	Bundle         []byte     `json:"bundle,omitempty"`
	TransactionLog []LogEntry `json:"transactionLog"`
	BuildBundle    bool       `json:"buildBundle,omitempty"`
}

// NewPayload builds the base envelope of §4.2 push step 2.
func NewPayload(dbID, dbNameHash string, isOwner bool) Payload {
	return Payload{
		Route:          RouteApplyTransactions,
		DBID:           dbID,
		DBNameHash:     dbNameHash,
		IsOwner:        isOwner,
		TransactionLog: []LogEntry{},
	}
}

// RouteOpenDatabase is the route a client sends to open or reopen a
// database's log stream (§4.3's openDatabase parameters).
const RouteOpenDatabase = "OpenDatabase"

// Request is the envelope a client socket sends inbound. Only
// RouteOpenDatabase is recognized today; unrecognized routes are
// logged and dropped by the caller.
type Request struct {
	Route         string `json:"route"`
	DatabaseID    string `json:"dbId"`
	BundleSeqNo   int64  `json:"bundleSeqNo"`
	DBNameHash    string `json:"dbNameHash,omitempty"`
	DBKey         string `json:"dbKey,omitempty"`
	ReopenAtSeqNo *int64 `json:"reopenAtSeqNo,omitempty"`
	IsOwner       bool   `json:"isOwner"`
}

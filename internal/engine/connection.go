package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandiprb/userbase/internal/ratelimit"
	"github.com/sandiprb/userbase/internal/store"
	"github.com/sandiprb/userbase/internal/wire"
)

// openDatabaseState is the per-(connection, databaseId) cursor of §3.
// Its mutex is held across an entire push invocation, serializing
// concurrent pushes to the same database on the same connection; a
// bounded worker pool handles fan-out across different connections
// instead.
type openDatabaseState struct {
	mu sync.Mutex

	dbNameHash string
	isOwner    bool

	bundleSeqNo        int64 // -1 if none
	lastSeqNo          int64
	transactionLogSize int
	init               bool
}

// PushOptions selects push's mode per the table in §4.2.
//
//   - open:        DBNameHash and DBKey set, ReopenAtSeqNo nil.
//   - reopen:      DBNameHash and DBKey empty, ReopenAtSeqNo set.
//   - incremental: all three empty/nil.
type PushOptions struct {
	DBNameHash    string
	DBKey         string
	ReopenAtSeqNo *int64
}

type pushMode int

const (
	modeIncremental pushMode = iota
	modeOpen
	modeReopen
)

func classifyMode(opts PushOptions) pushMode {
	if opts.ReopenAtSeqNo != nil {
		return modeReopen
	}
	if opts.DBNameHash != "" || opts.DBKey != "" {
		return modeOpen
	}
	return modeIncremental
}

// Connection holds per-socket state: opened databases, rate limiters,
// and the identity quintuple of §3.
type Connection struct {
	ID       string
	UserID   string
	AdminID  string
	AppID    string
	ClientID string

	Socket store.Socket

	// KeyValidated is owned by the handshake collaborator (§1, §3);
	// the engine only ever reads it.
	KeyValidated bool

	requestBucket     *ratelimit.TokenBucket
	fileStorageBucket *ratelimit.TokenBucket

	txStore   store.TransactionStore
	snapStore store.SnapshotStore

	dbMu      sync.RWMutex
	databases map[string]*openDatabaseState

	opts   Options
	logger zerolog.Logger
}

// newConnection constructs a Connection. Unexported: connections are
// only created through Registry.Register so every connection carries
// a UUID minted by the registry (§9).
func newConnection(id, userID, adminID, appID, clientID string, socket store.Socket, txStore store.TransactionStore, snapStore store.SnapshotStore, requestBucket, fileStorageBucket *ratelimit.TokenBucket, opts Options, logger zerolog.Logger) *Connection {
	return &Connection{
		ID:                id,
		UserID:            userID,
		AdminID:           adminID,
		AppID:             appID,
		ClientID:          clientID,
		Socket:            socket,
		requestBucket:     requestBucket,
		fileStorageBucket: fileStorageBucket,
		txStore:           txStore,
		snapStore:         snapStore,
		databases:         make(map[string]*openDatabaseState),
		opts:              opts,
		logger:            logger.With().Str("connectionId", id).Logger(),
	}
}

// AllowRequest checks the per-connection request-rate bucket (§4.1,
// §7). A denial is caller-visible and changes no engine state.
func (c *Connection) AllowRequest() bool {
	allowed := c.requestBucket.TryAcquire()
	if !allowed {
		c.opts.Metrics.RateLimited("request")
	}
	return allowed
}

// AllowFileStorage checks the per-connection file-storage bucket.
func (c *Connection) AllowFileStorage() bool {
	allowed := c.fileStorageBucket.TryAcquire()
	if !allowed {
		c.opts.Metrics.RateLimited("file_storage")
	}
	return allowed
}

// IsDatabaseOpen reports whether databaseID is open on this connection.
func (c *Connection) IsDatabaseOpen(databaseID string) bool {
	c.dbMu.RLock()
	defer c.dbMu.RUnlock()
	_, ok := c.databases[databaseID]
	return ok
}

// OpenDatabaseIDs lists every database currently open on this
// connection, used by Registry.Close to tear down back-references.
func (c *Connection) OpenDatabaseIDs() []string {
	c.dbMu.RLock()
	defer c.dbMu.RUnlock()
	ids := make([]string, 0, len(c.databases))
	for id := range c.databases {
		ids = append(ids, id)
	}
	return ids
}

// OpenDatabase initializes open-database state for databaseID. It is
// idempotent: if already open, the existing state is left untouched
// (§4.2).
func (c *Connection) OpenDatabase(databaseID, dbNameHash string, bundleSeqNo int64, reopenAtSeqNo *int64, isOwner bool) {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	if _, exists := c.databases[databaseID]; exists {
		return
	}

	if bundleSeqNo <= 0 {
		bundleSeqNo = -1
	}

	var lastSeqNo int64
	init := false
	if reopenAtSeqNo != nil {
		lastSeqNo = *reopenAtSeqNo
		init = true
	}

	c.databases[databaseID] = &openDatabaseState{
		dbNameHash:  dbNameHash,
		isOwner:     isOwner,
		bundleSeqNo: bundleSeqNo,
		lastSeqNo:   lastSeqNo,
		init:        init,
	}
}

func (c *Connection) lookupDatabase(databaseID string) (*openDatabaseState, bool) {
	c.dbMu.RLock()
	defer c.dbMu.RUnlock()
	db, ok := c.databases[databaseID]
	return db, ok
}

// Push is the heart of the engine (§4.2). It catches the client up
// from a snapshot plus any transactions since, resolves gaps, and
// dispatches the result to sendPayload.
func (c *Connection) Push(ctx context.Context, databaseID string, opts PushOptions) error {
	db, ok := c.lookupDatabase(databaseID)
	if !ok {
		return nil // step 1: database not open on this connection
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	mode := classifyMode(opts)

	payload := wire.NewPayload(databaseID, db.dbNameHash, db.isOwner)
	if mode == modeOpen {
		payload.DBNameHash = opts.DBNameHash
		payload.DBKey = opts.DBKey
	}

	seqCursor := db.lastSeqNo

	if db.bundleSeqNo > 0 && db.lastSeqNo == 0 {
		bundle, err := c.snapStore.GetBundle(ctx, databaseID, db.bundleSeqNo)
		if err != nil {
			c.opts.Metrics.PushFailed("snapshot_fetch")
			c.logger.Warn().Err(err).Str("databaseId", databaseID).Msg("transient store error: snapshot fetch failed")
			return fmt.Errorf("push %s: snapshot fetch: %w", databaseID, err)
		}
		if !c.IsDatabaseOpen(databaseID) {
			return nil // §5: connection closed during suspension
		}
		bsn := db.bundleSeqNo
		payload.BundleSeqNo = &bsn
		payload.Bundle = bundle
		seqCursor = db.bundleSeqNo
	}

	outbound, err := c.collectOutbound(ctx, databaseID, db, seqCursor)
	if err != nil {
		if errors.Is(err, errConnectionClosedDuringPush) {
			return nil // §5: database closed during suspension
		}
		return err
	}

	switch mode {
	case modeOpen:
		if db.lastSeqNo != 0 {
			c.logger.Warn().Str("databaseId", databaseID).Msg("contract violation: open push with non-zero lastSeqNo")
			return nil
		}
	case modeReopen:
		if opts.ReopenAtSeqNo == nil || db.lastSeqNo != *opts.ReopenAtSeqNo {
			c.logger.Warn().Str("databaseId", databaseID).Msg("contract violation: reopen resume desync")
			return nil
		}
	case modeIncremental:
		if !db.init {
			c.logger.Warn().Str("databaseId", databaseID).Msg("contract violation: incremental push before init")
			return nil
		}
	}

	if len(outbound) == 0 {
		if mode == modeOpen || mode == modeReopen {
			if err := c.Socket.WriteJSON(payload); err != nil {
				return err
			}
			db.init = true
			if payload.BundleSeqNo != nil {
				db.lastSeqNo = db.bundleSeqNo
			}
			return nil
		}
		return nil
	}

	return c.sendPayload(payload, outbound, db)
}

// collectOutbound implements §4.2 step 4: paginate the durable log
// after seqCursor, resolving gaps as encountered.
func (c *Connection) collectOutbound(ctx context.Context, databaseID string, db *openDatabaseState, seqCursor int64) ([]wire.Transaction, error) {
	var outbound []wire.Transaction
	cursor := ""
	afterSeqNo := seqCursor

	for {
		records, nextCursor, err := c.txStore.QueryAfter(ctx, databaseID, afterSeqNo, cursor, c.opts.LogQueryPageSize)
		if err != nil {
			c.opts.Metrics.PushFailed("log_query")
			c.logger.Warn().Err(err).Str("databaseId", databaseID).Msg("transient store error: durable log query failed")
			return nil, fmt.Errorf("push %s: query durable log: %w", databaseID, err)
		}
		if !c.IsDatabaseOpen(databaseID) {
			return nil, errConnectionClosedDuringPush
		}

		halted := false
		for _, record := range records {
			gap := record.SequenceNo > seqCursor+1
			if gap {
				age := time.Since(record.CreationDate)
				if age > c.opts.GapRollbackThreshold {
					c.opts.Metrics.GapDetected(databaseID)
					rolled, err := c.rollback(ctx, seqCursor, record.SequenceNo, databaseID)
					if err != nil {
						c.opts.Metrics.PushFailed("rollback")
						c.logger.Warn().Err(err).Str("databaseId", databaseID).Msg("transient store error: rollback insert failed")
						return nil, fmt.Errorf("push %s: rollback: %w", databaseID, err)
					}
					if len(rolled) > 0 {
						c.opts.Metrics.RollbackWritten(databaseID, len(rolled))
					}
					for _, r := range rolled {
						if r.SequenceNo > db.lastSeqNo {
							outbound = append(outbound, r)
						}
					}
					outbound = append(outbound, record)
					seqCursor = record.SequenceNo
				} else {
					// Slow in-flight writer still has a chance to land;
					// halt without rolling back or appending (§4.2, §8
					// scenario 4).
					halted = true
					break
				}
			} else {
				if record.SequenceNo > db.lastSeqNo {
					outbound = append(outbound, record)
				}
				seqCursor = record.SequenceNo
			}
		}

		if halted || nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	return outbound, nil
}

// errConnectionClosedDuringPush is an internal sentinel: collectOutbound
// returns it when the database was closed out from under an in-flight
// push at a suspension point (§5); Push and Broadcast both treat it as
// a silent no-op, never logging or propagating it further.
var errConnectionClosedDuringPush = errors.New("engine: database closed during push")

// sendPayload implements §4.2's sendPayload: re-filter against the
// current lastSeqNo, project to wire shape, enforce the contiguity
// guard, decide buildBundle, and write the frame.
func (c *Connection) sendPayload(payload wire.Payload, records []wire.Transaction, db *openDatabaseState) error {
	start := 0
	for start < len(records) && records[start].SequenceNo <= db.lastSeqNo {
		start++
	}
	records = records[start:]
	if len(records) == 0 {
		return nil
	}

	first := records[0].SequenceNo
	if first != db.lastSeqNo+1 && first != db.bundleSeqNo+1 {
		c.logger.Warn().
			Str("databaseId", payload.DBID).
			Int64("firstSeqNo", first).
			Int64("lastSeqNo", db.lastSeqNo).
			Msg("contiguity guard: dropping non-contiguous batch")
		return nil
	}

	entries := make([]wire.LogEntry, 0, len(records))
	batchSize := 0
	for _, r := range records {
		entries = append(entries, wire.ProjectLogEntry(r))
		batchSize += r.EstimatedSize()
	}
	payload.TransactionLog = entries

	if db.transactionLogSize+batchSize >= c.opts.SnapshotTriggerBytes {
		payload.BuildBundle = true
		db.transactionLogSize = 0
		c.opts.Metrics.BuildBundleTriggered(payload.DBID)
	} else {
		db.transactionLogSize += batchSize
	}

	if err := c.Socket.WriteJSON(payload); err != nil {
		return err
	}

	db.lastSeqNo = records[len(records)-1].SequenceNo
	db.init = true
	return nil
}

// rollback writes a synthetic Rollback record for every missing
// sequence number in (lastSeqNo, thisSeqNo), conditional on the slot
// being unoccupied (§4.2). A lost race (store.ErrSlotTaken) means the
// real record already won the slot and is silently skipped (§7).
func (c *Connection) rollback(ctx context.Context, lastSeqNo, thisSeqNo int64, databaseID string) ([]wire.Transaction, error) {
	var written []wire.Transaction
	for seq := lastSeqNo + 1; seq < thisSeqNo; seq++ {
		record := wire.Transaction{
			DatabaseID:   databaseID,
			SequenceNo:   seq,
			Command:      wire.CommandRollback,
			CreationDate: time.Now(),
		}
		if err := c.txStore.PutIfAbsent(ctx, record); err != nil {
			if errors.Is(err, store.ErrSlotTaken) {
				continue
			}
			return written, err
		}
		written = append(written, record)
	}
	return written, nil
}

// pushRecord implements the broadcast fast path (§4.4): deliver a
// single just-committed record without a durable-store round trip,
// but only when it is exactly the next expected sequence number and
// the database has already completed its initial open/reopen push.
// Any other case returns errFastPathStale so the caller falls back to
// a full incremental Push.
func (c *Connection) pushRecord(ctx context.Context, databaseID string, record wire.Transaction) error {
	db, ok := c.lookupDatabase(databaseID)
	if !ok {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.init || record.SequenceNo != db.lastSeqNo+1 {
		return errFastPathStale
	}

	payload := wire.NewPayload(databaseID, db.dbNameHash, db.isOwner)
	return c.sendPayload(payload, []wire.Transaction{record}, db)
}

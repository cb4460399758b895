package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sandiprb/userbase/internal/ratelimit"
	"github.com/sandiprb/userbase/internal/store"
)

// Registry is the single owning map of connections plus a set of index
// maps keyed by userId/appId/adminId/databaseId/clientId (§3, §4.3, §9
// design note). Index maps store connection IDs, never *Connection
// pointers, so the owning map stays the only place a Connection's
// lifetime is decided.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	byUser     map[string]map[string]struct{}
	byApp      map[string]map[string]struct{}
	byAdmin    map[string]map[string]struct{}
	byDatabase map[string]map[string]struct{} // databaseID -> connectionIDs, §3 sockets[databaseId]
	byClient   map[string]string              // clientID -> connectionID, §4.3 dedup

	fileCacheMu sync.Mutex
	fileCache   map[string]*time.Timer

	pool *dispatchPool

	txStore   store.TransactionStore
	snapStore store.SnapshotStore

	requestCapacity       float64
	requestRefillRate     float64
	fileStorageCapacity   float64
	fileStorageRefillRate float64

	opts   Options
	logger zerolog.Logger
}

// RegistryConfig carries the token-bucket rates new connections are
// provisioned with (§4.1) alongside the store collaborators.
type RegistryConfig struct {
	TxStore   store.TransactionStore
	SnapStore store.SnapshotStore

	RequestCapacity       float64
	RequestRefillRate     float64
	FileStorageCapacity   float64
	FileStorageRefillRate float64

	Options Options
	Logger  zerolog.Logger
}

// NewRegistry constructs an empty Registry. Call Start before
// registering connections and Shutdown when done.
func NewRegistry(cfg RegistryConfig) *Registry {
	opts := cfg.Options.withDefaults()
	return &Registry{
		connections:           make(map[string]*Connection),
		byUser:                make(map[string]map[string]struct{}),
		byApp:                 make(map[string]map[string]struct{}),
		byAdmin:               make(map[string]map[string]struct{}),
		byDatabase:            make(map[string]map[string]struct{}),
		byClient:              make(map[string]string),
		fileCache:             make(map[string]*time.Timer),
		pool:                  newDispatchPool(opts.DispatchWorkers, opts.DispatchQueueSize, cfg.Logger),
		txStore:               cfg.TxStore,
		snapStore:             cfg.SnapStore,
		requestCapacity:       cfg.RequestCapacity,
		requestRefillRate:     cfg.RequestRefillRate,
		fileStorageCapacity:   cfg.FileStorageCapacity,
		fileStorageRefillRate: cfg.FileStorageRefillRate,
		opts:                  opts,
		logger:                cfg.Logger,
	}
}

// Start launches the broadcast dispatch pool. ctx's cancellation stops
// the workers.
func (r *Registry) Start(ctx context.Context) {
	r.pool.start(ctx, r.opts.DispatchWorkers)
}

// Shutdown drains the dispatch pool, waiting for in-flight broadcast
// deliveries to finish.
func (r *Registry) Shutdown() {
	r.pool.stop()
}

// DroppedBroadcasts returns the number of broadcast deliveries dropped
// because the dispatch pool's backlog was full.
func (r *Registry) DroppedBroadcasts() int64 {
	return r.pool.dropped()
}

// Register admits a new socket as a Connection (§4.3). If clientID is
// already connected, the new socket is closed with
// StatusClientAlreadyConnected, no Connection is created and
// ErrDuplicateClient is returned; the existing connection is left as is.
func (r *Registry) Register(userID, adminID, appID, clientID string, socket store.Socket) (*Connection, error) {
	r.mu.Lock()

	if _, dup := r.byClient[clientID]; dup {
		r.mu.Unlock()
		_ = socket.Close(StatusClientAlreadyConnected)
		return nil, ErrDuplicateClient
	}

	id := uuid.NewString()
	conn := newConnection(id, userID, adminID, appID, clientID, socket,
		r.txStore, r.snapStore,
		ratelimit.New(r.requestCapacity, r.requestRefillRate),
		ratelimit.New(r.fileStorageCapacity, r.fileStorageRefillRate),
		r.opts, r.logger)

	r.connections[id] = conn
	r.index(r.byUser, userID, id)
	r.index(r.byApp, appID, id)
	r.index(r.byAdmin, adminID, id)
	if clientID != "" {
		r.byClient[clientID] = id
	}

	r.mu.Unlock()
	return conn, nil
}

func (r *Registry) index(idx map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][connID] = struct{}{}
}

func (r *Registry) unindex(idx map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Connection looks up a connection by ID.
func (r *Registry) Connection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// OpenDatabase implements §4.3's Registry-level open/reopen flow: a
// no-op if connectionID is unknown; otherwise it idempotently
// initializes the connection's open-database state (if not already
// open), indexes the connection under sockets[databaseId] so Broadcast
// can resolve it directly, and drives the matching open or reopen push
// (reopenAtSeqNo set selects reopen mode, otherwise dbNameHash/dbKey
// select open mode).
func (r *Registry) OpenDatabase(ctx context.Context, userID, connectionID, databaseID string, bundleSeqNo int64, dbNameHash, dbKey string, reopenAtSeqNo *int64, isOwner bool) error {
	conn, ok := r.Connection(connectionID)
	if !ok {
		return nil
	}

	if !conn.IsDatabaseOpen(databaseID) {
		conn.OpenDatabase(databaseID, dbNameHash, bundleSeqNo, reopenAtSeqNo, isOwner)

		r.mu.Lock()
		r.index(r.byDatabase, databaseID, connectionID)
		r.mu.Unlock()
	}

	opts := PushOptions{DBNameHash: dbNameHash, DBKey: dbKey}
	if reopenAtSeqNo != nil {
		opts = PushOptions{ReopenAtSeqNo: reopenAtSeqNo}
	}
	return conn.Push(ctx, databaseID, opts)
}

// IsDatabaseOpen implements §4.3's Registry-level predicate.
func (r *Registry) IsDatabaseOpen(userID, connectionID, databaseID string) bool {
	conn, ok := r.Connection(connectionID)
	if !ok {
		return false
	}
	return conn.IsDatabaseOpen(databaseID)
}

// Close removes connectionID from every index and closes its socket
// with a normal closure status. Safe to call more than once. Per
// §4.3's teardown ordering note, database buckets are removed before
// identity buckets so the connection is never reachable via
// sockets[databaseId] once close has started.
func (r *Registry) Close(connectionID string) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for _, databaseID := range conn.OpenDatabaseIDs() {
		r.unindex(r.byDatabase, databaseID, connectionID)
	}
	delete(r.connections, connectionID)
	r.unindex(r.byUser, conn.UserID, connectionID)
	r.unindex(r.byApp, conn.AppID, connectionID)
	r.unindex(r.byAdmin, conn.AdminID, connectionID)
	if conn.ClientID != "" && r.byClient[conn.ClientID] == connectionID {
		delete(r.byClient, conn.ClientID)
	}
	r.mu.Unlock()

	_ = conn.Socket.Close(StatusNormalClosure)
}

// closeIndexed closes every connection ID registered under key in idx
// with the given status, resolved to *Connection (§4.3's
// CloseUsersConnectedClients / CloseAppsConnectedClients /
// CloseAdminsConnectedClients share this shape; the §9 open question on
// whether to track connection counts separately from connection IDs is
// resolved here by keeping a single typed set of IDs — counting is just
// len(set), with no separate tally to drift out of sync).
func (r *Registry) closeIndexed(idx map[string]map[string]struct{}, key string, status int) int {
	r.mu.RLock()
	set, ok := idx[key]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		conn, exists := r.connections[id]
		r.mu.RUnlock()
		if !exists {
			continue
		}
		_ = conn.Socket.Close(status)
		r.Close(id)
	}
	return len(ids)
}

// CloseUsersConnectedClients closes every connection belonging to
// userID (§4.3), e.g. on session revocation.
func (r *Registry) CloseUsersConnectedClients(userID string, status int) int {
	return r.closeIndexed(r.byUser, userID, status)
}

// CloseAppsConnectedClients closes every connection belonging to appID,
// e.g. on app deletion.
func (r *Registry) CloseAppsConnectedClients(appID string, status int) int {
	return r.closeIndexed(r.byApp, appID, status)
}

// CloseAdminsConnectedClients closes every connection belonging to
// adminID, e.g. on admin account deletion.
func (r *Registry) CloseAdminsConnectedClients(adminID string, status int) int {
	return r.closeIndexed(r.byAdmin, adminID, status)
}

// CacheFileId marks fileID as recently seen, valid for the registry's
// FileIDCacheTTL. A second call before expiry resets the window — a
// sliding TTL, not a fixed one (§4.3).
func (r *Registry) CacheFileId(fileID string) {
	r.fileCacheMu.Lock()
	defer r.fileCacheMu.Unlock()

	if t, ok := r.fileCache[fileID]; ok {
		t.Stop()
	}
	r.fileCache[fileID] = time.AfterFunc(r.opts.FileIDCacheTTL, func() {
		r.fileCacheMu.Lock()
		defer r.fileCacheMu.Unlock()
		delete(r.fileCache, fileID)
	})
}

// IsFileIdCached reports whether fileID was cached within the last
// FileIDCacheTTL.
func (r *Registry) IsFileIdCached(fileID string) bool {
	r.fileCacheMu.Lock()
	defer r.fileCacheMu.Unlock()
	_, ok := r.fileCache[fileID]
	return ok
}

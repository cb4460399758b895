package engine

import (
	"context"
	"errors"

	"github.com/sandiprb/userbase/internal/wire"
)

// Broadcast is the fan-out entry point (§4.4): a newly committed
// record is delivered to every connection subscribed to databaseID.
// Each connection is attempted on the fast path first (pushRecord); a
// connection for which the fast path isn't eligible falls back to a
// full incremental Push, which re-derives the gap/rollback state from
// the durable log rather than trusting the just-committed record in
// isolation.
//
// Subscribers are resolved directly from sockets[databaseId] (§3, §4.4)
// rather than scanning every connection in the registry. The set is
// read under a read lock and released before any socket I/O, so a slow
// client write never holds back registration of new connections.
func (r *Registry) Broadcast(ctx context.Context, databaseID string, record wire.Transaction) {
	r.mu.RLock()
	ids := r.byDatabase[databaseID]
	targets := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.connections[id]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn := conn
		r.pool.submit(func() {
			r.dispatchOne(ctx, conn, databaseID, record)
		})
	}
}

func (r *Registry) dispatchOne(ctx context.Context, conn *Connection, databaseID string, record wire.Transaction) {
	err := conn.pushRecord(ctx, databaseID, record)
	if err == nil {
		return
	}
	if !errors.Is(err, errFastPathStale) {
		r.logger.Warn().Err(err).Str("connectionId", conn.ID).Str("databaseId", databaseID).Msg("fast path broadcast write failed")
		return
	}

	if err := conn.Push(ctx, databaseID, PushOptions{}); err != nil {
		if errors.Is(err, errConnectionClosedDuringPush) {
			return
		}
		r.logger.Warn().Err(err).Str("connectionId", conn.ID).Str("databaseId", databaseID).Msg("incremental broadcast push failed")
	}
}

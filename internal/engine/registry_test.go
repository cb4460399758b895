package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandiprb/userbase/internal/store/memstore"
	"github.com/sandiprb/userbase/internal/wire"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	ms := memstore.New()
	reg := NewRegistry(RegistryConfig{
		TxStore:               ms,
		SnapStore:             ms,
		RequestCapacity:       100,
		RequestRefillRate:     100,
		FileStorageCapacity:   100,
		FileStorageRefillRate: 100,
		Options:               opts,
		Logger:                zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	t.Cleanup(func() {
		cancel()
		reg.Shutdown()
	})
	return reg
}

func TestRegisterDuplicateClientIsRejected(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	first, err := reg.Register("user1", "", "app1", "client1", &fakeSocket{})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}

	secondSocket := &fakeSocket{}
	second, err := reg.Register("user1", "", "app1", "client1", secondSocket)
	if !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("second Register err = %v, want ErrDuplicateClient", err)
	}
	if second != nil {
		t.Fatalf("second Register returned a connection for a duplicate client")
	}

	if !secondSocket.closed {
		t.Fatalf("duplicate client's socket was not closed")
	}
	if first.Socket.(*fakeSocket).closed {
		t.Fatalf("existing connection's socket was closed by a duplicate registration")
	}
	if _, ok := reg.Connection(first.ID); !ok {
		t.Fatalf("existing connection missing from registry after a rejected duplicate")
	}
}

func TestCloseUsersConnectedClients(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	c1, _ := reg.Register("user1", "", "app1", "client1", &fakeSocket{})
	c2, _ := reg.Register("user1", "", "app1", "client2", &fakeSocket{})
	c3, _ := reg.Register("user2", "", "app1", "client3", &fakeSocket{})

	closed := reg.CloseUsersConnectedClients("user1", StatusNormalClosure)
	if closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}

	if _, ok := reg.Connection(c1.ID); ok {
		t.Fatalf("c1 still registered after CloseUsersConnectedClients")
	}
	if _, ok := reg.Connection(c2.ID); ok {
		t.Fatalf("c2 still registered after CloseUsersConnectedClients")
	}
	if _, ok := reg.Connection(c3.ID); !ok {
		t.Fatalf("c3 (different user) was incorrectly closed")
	}
}

func TestFileIdCacheSlidingWindow(t *testing.T) {
	reg := newTestRegistry(t, Options{FileIDCacheTTL: 30 * time.Millisecond})

	reg.CacheFileId("file1")
	if !reg.IsFileIdCached("file1") {
		t.Fatalf("IsFileIdCached = false immediately after CacheFileId")
	}

	time.Sleep(15 * time.Millisecond)
	reg.CacheFileId("file1") // resets the window

	time.Sleep(20 * time.Millisecond)
	if !reg.IsFileIdCached("file1") {
		t.Fatalf("IsFileIdCached = false before the reset window elapsed")
	}

	time.Sleep(40 * time.Millisecond)
	if reg.IsFileIdCached("file1") {
		t.Fatalf("IsFileIdCached = true after TTL fully elapsed")
	}
}

func TestBroadcastFastPathDeliversToOpenConnections(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	socket := &fakeSocket{}
	conn, err := reg.Register("user1", "", "app1", "client1", socket)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.OpenDatabase(context.Background(), "user1", conn.ID, "db1", 0, "hash1", "key1", nil, true); err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	if !reg.IsDatabaseOpen("user1", conn.ID, "db1") {
		t.Fatalf("IsDatabaseOpen = false right after OpenDatabase")
	}

	reg.Broadcast(context.Background(), "db1", wire.Transaction{DatabaseID: "db1", SequenceNo: 1, Command: "Insert"})

	deadline := time.After(time.Second)
	for {
		if len(socket.written()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("broadcast payload never arrived, got %d payloads", len(socket.written()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBroadcastSkipsConnectionsWithoutTheDatabaseOpen(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	socket := &fakeSocket{}
	if _, err := reg.Register("user1", "", "app1", "client1", socket); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.Broadcast(context.Background(), "db1", wire.Transaction{DatabaseID: "db1", SequenceNo: 1, Command: "Insert"})

	time.Sleep(20 * time.Millisecond)
	if len(socket.written()) != 0 {
		t.Fatalf("written = %d, want 0 for a connection with no open database", len(socket.written()))
	}
}

func TestRegistryOpenDatabaseUnknownConnectionIsNoop(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	if err := reg.OpenDatabase(context.Background(), "user1", "nonexistent-connection", "db1", 0, "hash1", "key1", nil, true); err != nil {
		t.Fatalf("OpenDatabase on unknown connection returned an error: %v", err)
	}
	if reg.IsDatabaseOpen("user1", "nonexistent-connection", "db1") {
		t.Fatalf("IsDatabaseOpen = true for an unknown connection")
	}
}

func TestRegistryOpenDatabaseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	socket := &fakeSocket{}
	conn, err := reg.Register("user1", "", "app1", "client1", socket)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.OpenDatabase(context.Background(), "user1", conn.ID, "db1", 0, "hash1", "key1", nil, true); err != nil {
		t.Fatalf("first OpenDatabase: %v", err)
	}
	if err := reg.OpenDatabase(context.Background(), "user1", conn.ID, "db1", 0, "hash1", "key1", nil, true); err != nil {
		t.Fatalf("second OpenDatabase: %v", err)
	}

	reg.mu.RLock()
	subscribers := reg.byDatabase["db1"]
	count := len(subscribers)
	reg.mu.RUnlock()
	if count != 1 {
		t.Fatalf("sockets[db1] has %d entries after opening the same database twice on one connection, want 1", count)
	}
}

func TestRegistryCloseRemovesDatabaseIndexEntry(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	socket := &fakeSocket{}
	conn, err := reg.Register("user1", "", "app1", "client1", socket)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.OpenDatabase(context.Background(), "user1", conn.ID, "db1", 0, "hash1", "key1", nil, true); err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}

	reg.Close(conn.ID)

	reg.mu.RLock()
	_, stillIndexed := reg.byDatabase["db1"]
	reg.mu.RUnlock()
	if stillIndexed {
		t.Fatalf("sockets[db1] still has entries after Close")
	}
	if reg.IsDatabaseOpen("user1", conn.ID, "db1") {
		t.Fatalf("IsDatabaseOpen = true for a closed connection")
	}
}

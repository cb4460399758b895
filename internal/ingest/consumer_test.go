package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandiprb/userbase/internal/store"
	"github.com/sandiprb/userbase/internal/wire"
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	got []wire.Transaction
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, _ string, record wire.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, record)
}

type fakeRecordStore struct {
	records map[string]wire.Transaction
}

func recordKey(databaseID string, sequenceNo int64) string {
	return fmt.Sprintf("%s:%d", databaseID, sequenceNo)
}

func (f *fakeRecordStore) Get(_ context.Context, databaseID string, sequenceNo int64) (wire.Transaction, error) {
	tx, ok := f.records[recordKey(databaseID, sequenceNo)]
	if !ok {
		return wire.Transaction{}, store.ErrRecordNotFound
	}
	return tx, nil
}

func newTestConsumer(broadcaster Broadcaster, recordStore RecordStore) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		logger:      zerolog.Nop(),
		broadcaster: broadcaster,
		store:       recordStore,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func TestProcessRecordFetchesFullRecordFromStore(t *testing.T) {
	full := wire.Transaction{DatabaseID: "db1", SequenceNo: 7, Command: "Insert", Record: map[string]any{"k": "v"}}
	recordStore := &fakeRecordStore{records: map[string]wire.Transaction{
		recordKey("db1", 7): full,
	}}
	broadcaster := &fakeBroadcaster{}
	c := newTestConsumer(broadcaster, recordStore)

	notification, err := json.Marshal(commitNotification{DatabaseID: "db1", SequenceNo: 7})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}

	c.processRecord(&kgo.Record{Value: notification, Topic: "commits"})

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if len(broadcaster.got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(broadcaster.got))
	}
	if broadcaster.got[0].Command != "Insert" || broadcaster.got[0].Record == nil {
		t.Fatalf("broadcast record = %+v, want the full fetched record", broadcaster.got[0])
	}

	processed, failed := c.Metrics()
	if processed != 1 || failed != 0 {
		t.Fatalf("processed=%d failed=%d, want 1,0", processed, failed)
	}
}

func TestProcessRecordSkipsWhenRecordNotYetVisible(t *testing.T) {
	recordStore := &fakeRecordStore{records: map[string]wire.Transaction{}}
	broadcaster := &fakeBroadcaster{}
	c := newTestConsumer(broadcaster, recordStore)

	notification, _ := json.Marshal(commitNotification{DatabaseID: "db1", SequenceNo: 1})
	c.processRecord(&kgo.Record{Value: notification, Topic: "commits"})

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if len(broadcaster.got) != 0 {
		t.Fatalf("got = %+v, want no broadcast for a record not yet visible", broadcaster.got)
	}

	_, failed := c.Metrics()
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestProcessRecordSkipsMalformedNotification(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	c := newTestConsumer(broadcaster, &fakeRecordStore{})

	c.processRecord(&kgo.Record{Value: []byte("not json"), Topic: "commits"})

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if len(broadcaster.got) != 0 {
		t.Fatalf("got = %+v, want no broadcast for a malformed notification", broadcaster.got)
	}
	_, failed := c.Metrics()
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

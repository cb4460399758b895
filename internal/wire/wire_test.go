package wire

import "testing"

func TestIsRollback(t *testing.T) {
	tx := Transaction{Command: CommandRollback}
	if !tx.IsRollback() {
		t.Fatalf("IsRollback() = false, want true for command %q", CommandRollback)
	}

	tx2 := Transaction{Command: "Insert"}
	if tx2.IsRollback() {
		t.Fatalf("IsRollback() = true, want false for command %q", tx2.Command)
	}
}

func TestEstimatedSizeGrowsWithPayload(t *testing.T) {
	small := Transaction{Key: "a"}
	large := Transaction{Key: "a very long key string that takes up a lot more bytes than a single character"}

	if large.EstimatedSize() <= small.EstimatedSize() {
		t.Fatalf("EstimatedSize() did not grow with payload size: small=%d large=%d", small.EstimatedSize(), large.EstimatedSize())
	}
}

func TestEstimatedSizeHandlesNilFields(t *testing.T) {
	tx := Transaction{}
	if tx.EstimatedSize() <= 0 {
		t.Fatalf("EstimatedSize() = %d, want > 0 for fixed overhead alone", tx.EstimatedSize())
	}
}

func TestProjectLogEntryRenamesSequenceNo(t *testing.T) {
	tx := Transaction{DatabaseID: "db1", SequenceNo: 42, Command: "Insert", Record: map[string]any{"a": 1}}
	entry := ProjectLogEntry(tx)

	if entry.SeqNo != 42 {
		t.Fatalf("SeqNo = %d, want 42", entry.SeqNo)
	}
	if entry.DBID != "db1" {
		t.Fatalf("DBID = %q, want %q", entry.DBID, "db1")
	}
}

func TestNewPayloadDefaults(t *testing.T) {
	p := NewPayload("db1", "hash1", true)

	if p.Route != RouteApplyTransactions {
		t.Fatalf("Route = %q, want %q", p.Route, RouteApplyTransactions)
	}
	if p.TransactionLog == nil {
		t.Fatalf("TransactionLog = nil, want empty non-nil slice so JSON marshals [] not null")
	}
	if len(p.TransactionLog) != 0 {
		t.Fatalf("TransactionLog len = %d, want 0", len(p.TransactionLog))
	}
}

// ABOUTME: Tests for the pending-operation ledger.
package kennel

import (
	"testing"
)

func pendingOp(key, entityID string, fields ...Field) PendingOperation {
	return PendingOperation{
		Key:         key,
		EntityID:    entityID,
		Kind:        KindSession,
		Fields:      fields,
		SubmittedAt: baseTime(),
	}
}

func TestLedgerRecordAndConfirm(t *testing.T) {
	l := NewLedger()
	l.Record(pendingOp("01HXA", "s1", FieldSessionNotes))

	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	op, ok := l.Confirm("01HXA")
	if !ok || op.EntityID != "s1" {
		t.Fatalf("confirm returned (%+v, %v)", op, ok)
	}
	if l.Len() != 0 {
		t.Errorf("len = %d after confirm, want 0", l.Len())
	}
	if _, ok := l.Confirm("01HXA"); ok {
		t.Error("second confirm of the same key succeeded")
	}
}

func TestLedgerDuplicateKeyIgnored(t *testing.T) {
	l := NewLedger()
	l.Record(pendingOp("01HXA", "s1", FieldSessionNotes))
	l.Record(pendingOp("01HXA", "s1", FieldSessionArrival)) // replay of the same key

	ops := l.PendingFor("s1")
	if len(ops) != 1 {
		t.Fatalf("pending = %d, want 1", len(ops))
	}
	if len(ops[0].Fields) != 1 || ops[0].Fields[0] != FieldSessionNotes {
		t.Errorf("duplicate record overwrote the original: %+v", ops[0])
	}
}

func TestLedgerPendingForKeepsSubmissionOrder(t *testing.T) {
	l := NewLedger()
	l.Record(pendingOp("01HXA", "s1", FieldSessionNotes))
	l.Record(pendingOp("01HXB", "s1", FieldSessionBoarding))
	l.Record(pendingOp("01HXC", "s2", FieldSessionNotes))

	ops := l.PendingFor("s1")
	if len(ops) != 2 {
		t.Fatalf("pending for s1 = %d, want 2", len(ops))
	}
	if ops[0].Key != "01HXA" || ops[1].Key != "01HXB" {
		t.Errorf("order = %q, %q", ops[0].Key, ops[1].Key)
	}

	// Removing the middle operation keeps the rest ordered.
	l.Fail("01HXA")
	ops = l.PendingFor("s1")
	if len(ops) != 1 || ops[0].Key != "01HXB" {
		t.Errorf("pending after fail = %+v", ops)
	}
	if l.PendingFor("missing") != nil {
		t.Error("unknown entity returned operations")
	}
}

func TestLedgerFailEntity(t *testing.T) {
	l := NewLedger()
	l.Record(pendingOp("01HXA", "s1", FieldSessionNotes))
	l.Record(pendingOp("01HXB", "s1", FieldSessionBoarding))
	l.Record(pendingOp("01HXC", "s2", FieldSessionNotes))

	dropped := l.FailEntity("s1")
	if len(dropped) != 2 {
		t.Fatalf("dropped = %d, want 2", len(dropped))
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1 (s2 untouched)", l.Len())
	}
	if len(l.PendingFor("s2")) != 1 {
		t.Error("unrelated entity's operations were dropped")
	}
	if dropped := l.FailEntity("s1"); dropped != nil {
		t.Errorf("second FailEntity dropped %d ops", len(dropped))
	}
}

func TestLedgerSnapshot(t *testing.T) {
	l := NewLedger()
	l.Record(pendingOp("01HXA", "s1", FieldSessionNotes))
	l.Record(pendingOp("01HXB", "s2", FieldSessionNotes))

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d, want 2", len(snap))
	}
	// The snapshot is a copy: draining the ledger afterwards must not
	// invalidate it.
	l.Confirm("01HXA")
	l.Confirm("01HXB")
	if len(snap) != 2 {
		t.Error("snapshot aliased ledger internals")
	}
}

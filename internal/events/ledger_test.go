package events

import (
	"fmt"
	"testing"
)

func TestLedgerAppliesOnceInDeliveredOrder(t *testing.T) {
	//1.- Deliver the canonical resend sequence and record what survives.
	ledger := NewLedger(0)
	var applied []int64
	for _, id := range []int64{5, 3, 5, 7} {
		if ledger.Admit(Event{ID: id, Type: TypeGameEvent}) == Apply {
			applied = append(applied, id)
		}
	}
	//2.- The repeated 5 must be suppressed while order is preserved.
	want := []int64{5, 3, 7}
	if len(applied) != len(want) {
		t.Fatalf("expected %v applied, got %v", want, applied)
	}
	for i, id := range want {
		if applied[i] != id {
			t.Fatalf("expected %v applied, got %v", want, applied)
		}
	}
	if ledger.LastID() != 7 {
		t.Fatalf("expected cursor 7, got %d", ledger.LastID())
	}
}

func TestLedgerFireAndForgetAlwaysApplies(t *testing.T) {
	ledger := NewLedger(0)
	for i := 0; i < 3; i++ {
		if ledger.Admit(Event{Type: TypeLobbyUpdate}) != Apply {
			t.Fatalf("fire-and-forget event %d was skipped", i)
		}
	}
	if ledger.LastID() != 0 {
		t.Fatalf("unordered events must not move the cursor, got %d", ledger.LastID())
	}
}

func TestLedgerResetReopensNumberingSpace(t *testing.T) {
	//1.- A previous game already consumed identifier 1.
	ledger := NewLedger(0)
	if ledger.Admit(Event{ID: 1, Type: TypeGameEvent}) != Apply {
		t.Fatal("first admission of id 1 must apply")
	}
	if ledger.Admit(Event{ID: 1, Type: TypeGameEvent}) != Skip {
		t.Fatal("resend of id 1 must be skipped")
	}
	//2.- A new game starts its own numbering space after reset.
	ledger.Reset()
	if ledger.Admit(Event{ID: 1, Type: TypeGameEvent}) != Apply {
		t.Fatal("id 1 must apply again after a game boundary reset")
	}
	if ledger.LastID() != 1 {
		t.Fatalf("expected cursor 1 after reset, got %d", ledger.LastID())
	}
}

func TestLedgerEvictsOldestButKeepsCursor(t *testing.T) {
	ledger := NewLedger(100)
	for id := int64(1); id <= 150; id++ {
		if ledger.Admit(Event{ID: id, Type: TypeGameEvent}) != Apply {
			t.Fatalf("fresh id %d was skipped", id)
		}
	}
	//1.- Identifier 1 fell out of the membership window, so a resend re-applies.
	if ledger.Admit(Event{ID: 1, Type: TypeGameEvent}) != Apply {
		t.Fatal("evicted identifier should be re-admitted")
	}
	//2.- Recent identifiers remain suppressed and the cursor never regressed.
	if ledger.Admit(Event{ID: 150, Type: TypeGameEvent}) != Skip {
		t.Fatal("recent identifier must stay suppressed")
	}
	if ledger.LastID() != 150 {
		t.Fatalf("expected cursor 150, got %d", ledger.LastID())
	}
}

func TestLedgerCapacityDefaultsWhenUnset(t *testing.T) {
	for _, capacity := range []int{-1, 0} {
		t.Run(fmt.Sprintf("capacity_%d", capacity), func(t *testing.T) {
			ledger := NewLedger(capacity)
			if ledger.capacity != DefaultLedgerCapacity {
				t.Fatalf("expected default capacity %d, got %d", DefaultLedgerCapacity, ledger.capacity)
			}
		})
	}
}

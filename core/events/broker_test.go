package events

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestBrokerBacklogFromCursor(t *testing.T) {
	broker := NewBroker()
	broker.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })
	user := testAddress(t)

	broker.Emit(CollateralDeposited{User: user, Asset: "WETH", Amount: big.NewInt(1)})
	broker.Emit(CollateralDeposited{User: user, Asset: "WETH", Amount: big.NewInt(2)})
	broker.Emit(CollateralDeposited{User: user, Asset: "WETH", Amount: big.NewInt(3)})

	_, cancel, backlog, err := broker.Subscribe(context.Background(), "1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if len(backlog) != 2 {
		t.Fatalf("expected 2 backlog entries, got %d", len(backlog))
	}
	if backlog[0].Sequence != 2 || backlog[1].Sequence != 3 {
		t.Fatalf("unexpected backlog sequences: %d, %d", backlog[0].Sequence, backlog[1].Sequence)
	}
	if backlog[0].Event.Attributes["amount"] != "2" {
		t.Fatalf("unexpected backlog payload: %+v", backlog[0].Event)
	}
	if backlog[0].Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp: %d", backlog[0].Timestamp)
	}
}

func TestBrokerRejectsMalformedCursor(t *testing.T) {
	broker := NewBroker()
	if _, _, _, err := broker.Subscribe(context.Background(), "not-a-number"); err == nil {
		t.Fatal("expected cursor parse error")
	}
}

func TestBrokerDeliversLiveEvents(t *testing.T) {
	broker := NewBroker()
	updates, cancel, backlog, err := broker.Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog, got %d entries", len(backlog))
	}

	broker.Emit(DebtMinted{User: testAddress(t), Amount: big.NewInt(42)})

	select {
	case entry := <-updates:
		if entry.Event.Type != TypeDebtMinted {
			t.Fatalf("unexpected event type %s", entry.Event.Type)
		}
		if entry.Cursor != "1" {
			t.Fatalf("unexpected cursor %s", entry.Cursor)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	broker := NewBroker()
	updates, cancel, _, err := broker.Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or block.
	broker.Emit(DebtMinted{User: testAddress(t), Amount: big.NewInt(1)})
}

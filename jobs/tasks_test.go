package jobs

import (
	"testing"

	"github.com/google/uuid"
)

func TestPayoutTaskPayloadRoundTrip(t *testing.T) {
	orderID := uuid.New()
	task, err := NewPayoutTask(orderID)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if task.Type() != TypePayout {
		t.Fatalf("type = %s", task.Type())
	}
	got, err := orderIDFromPayload(task.Payload())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != orderID {
		t.Fatalf("order id mismatch: %s", got)
	}
}

func TestPayloadValidation(t *testing.T) {
	if _, err := orderIDFromPayload([]byte("garbage")); err == nil {
		t.Fatal("garbage payload must be rejected")
	}
	if _, err := orderIDFromPayload([]byte(`{"order_id":"00000000-0000-0000-0000-000000000000"}`)); err == nil {
		t.Fatal("nil order id must be rejected")
	}
	if _, err := userIDFromPayload([]byte(`{}`)); err == nil {
		t.Fatal("missing user id must be rejected")
	}
}

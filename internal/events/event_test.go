package events

import (
	"encoding/json"
	"testing"
)

func TestCloneDetachesPayload(t *testing.T) {
	payload := json.RawMessage(`{"roll":4}`)
	ev := Event{ID: 1, Type: TypeGameEvent, Payload: payload}

	clone := ev.Clone()

	//1.- Mutating the original buffer must not bleed into the retained copy.
	payload[2] = 'x'
	if string(clone.Payload) != `{"roll":4}` {
		t.Fatalf("clone shares the payload buffer, got %s", clone.Payload)
	}
	if clone.ID != 1 || clone.Type != TypeGameEvent {
		t.Fatalf("clone dropped scalar fields: %+v", clone)
	}
}

package log

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodedPayloadIsJSONSafe(t *testing.T) {
	event := Event{
		Timestamp:    time.Date(2026, 10, 1, 12, 0, 0, 123456789, time.UTC),
		ConnectionID: "conn-1",
		Direction:    DirectionIn,
		Layer:        LayerLockdown,
		Category:     CategoryMessage,
		DeviceID:     "DEV1",
		Message: &MessageEvent{
			Name: "GetValue",
			Payload: map[string]any{
				"Request": "GetValue",
				"Value": map[string]any{
					"ProductVersion": "17.4",
					"Build":          map[string]any{"Train": "Sydney"},
				},
			},
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !got.Timestamp.Equal(event.Timestamp) {
		t.Errorf("timestamp lost precision: got %s, want %s", got.Timestamp, event.Timestamp)
	}
	value, ok := got.Message.Payload["Value"].(map[string]any)
	if !ok {
		t.Fatalf("nested payload decoded as %T", got.Message.Payload["Value"])
	}
	if _, ok := value["Build"].(map[string]any); !ok {
		t.Errorf("second level decoded as %T", value["Build"])
	}
	if _, err := json.Marshal(got); err != nil {
		t.Errorf("decoded event does not marshal to JSON: %v", err)
	}
}

func TestEncodeEventIsDeterministic(t *testing.T) {
	event := beatEvent("conn-1", 0)
	event.Message = &MessageEvent{
		Name:    "Heartbeat",
		Payload: map[string]any{"Request": "Heartbeat", "Command": "Marco", "Label": "devkeep", "Sequence": 3},
	}

	first, err := EncodeEvent(event)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := EncodeEvent(event)
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(first) {
			t.Fatal("map key order leaked into the encoding")
		}
	}
}

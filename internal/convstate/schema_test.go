package convstate

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	set := NewConversationSet(1000)
	set.Conversations["c1"] = Conversation{
		ID: "c1", Title: "chat", CreatedAt: 1000, LastModified: 2000,
		Messages: []Message{{ID: "m1", Role: RoleUser, Text: "hello", Timestamp: 1500}},
	}
	set.Order = append(set.Order, "c1")

	data, err := EncodeSet(set)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, repaired, err := DecodeSet(data, 3000)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if repaired {
		t.Fatalf("well-formed snapshot should not need repair")
	}
	if decoded.Conversations["c1"].Title != "chat" {
		t.Fatalf("round trip lost data: %+v", decoded.Conversations["c1"])
	}
}

func TestDecodeRepairsMissingSentinel(t *testing.T) {
	raw := []byte(`{"conversations":{"c1":{"id":"c1","messages":[],"createdAt":1,"lastModified":1}},"order":["c1"],"activeId":"c1"}`)
	decoded, repaired, err := DecodeSet(raw, 500)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !repaired {
		t.Fatalf("missing sentinel should be reported as a repair")
	}
	if _, ok := decoded.Conversations[SentinelConversationID]; !ok {
		t.Fatalf("sentinel missing after repair")
	}
}

func TestDecodeFlagsSchemaViolations(t *testing.T) {
	// role outside the enum: parses as JSON but fails validation, so the
	// snapshot is repaired rather than rejected.
	raw := []byte(`{"conversations":{"everything-else":{"id":"everything-else","messages":[{"id":"m1","role":"system","text":"x","timestamp":1}],"createdAt":1,"lastModified":1}},"order":["everything-else"],"activeId":"everything-else"}`)
	if ValidateSnapshot(raw) == nil {
		t.Fatalf("expected schema violation for invalid role")
	}
	decoded, repaired, err := DecodeSet(raw, 500)
	if err != nil {
		t.Fatalf("decode should repair, not reject: %v", err)
	}
	if !repaired {
		t.Fatalf("schema violation should be flagged")
	}
	if _, ok := decoded.Conversations[SentinelConversationID]; !ok {
		t.Fatalf("repair lost the sentinel")
	}
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	if _, _, err := DecodeSet([]byte("not json"), 500); err == nil {
		t.Fatalf("expected error for non-JSON input")
	}
}

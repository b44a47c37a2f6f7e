package convstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// conversationSetSchema guards the persisted snapshot shape. Validation
// failures never reject a load; they mark the snapshot for deterministic
// repair via Normalize.
const conversationSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["conversations", "order", "activeId"],
  "properties": {
    "conversations": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "messages", "createdAt", "lastModified"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "gameId": {"type": "string"},
          "messages": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "role", "text", "timestamp"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "role": {"enum": ["user", "assistant"]},
                "text": {"type": "string"},
                "timestamp": {"type": "integer"},
                "imageRef": {"type": "string"}
              }
            }
          },
          "insights": {"type": "array"},
          "isPinned": {"type": "boolean"},
          "pinnedAt": {"type": "integer"},
          "createdAt": {"type": "integer"},
          "lastModified": {"type": "integer"},
          "lastUserActivity": {"type": "integer"},
          "pendingRemoteSync": {"type": "boolean"}
        }
      }
    },
    "order": {"type": "array", "items": {"type": "string"}},
    "activeId": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(conversationSetSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("conversationset.json", doc); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("conversationset.json")
	})
	return schemaCompiled, schemaErr
}

// ValidateSnapshot checks raw snapshot bytes against the set schema.
func ValidateSnapshot(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// EncodeSet serializes a set to its persisted JSON form.
func EncodeSet(s ConversationSet) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSet parses and repairs a persisted snapshot. Malformed input that
// still parses as JSON is repaired rather than rejected; the returned flag
// reports whether validation failed or a repair was applied. Only input that
// is not JSON at all yields an error.
func DecodeSet(data []byte, now int64) (ConversationSet, bool, error) {
	var set ConversationSet
	if err := json.Unmarshal(data, &set); err != nil {
		return ConversationSet{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	invalid := ValidateSnapshot(data) != nil
	normalized, repaired := Normalize(set, now)
	return normalized, invalid || repaired, nil
}

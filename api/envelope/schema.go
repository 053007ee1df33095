package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wireSchema is the transport-facing contract for one envelope frame.
// Typed Validate covers payload/type agreement; the schema is the gate
// applied to raw JSON arriving from untrusted peers before decoding.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tiger.dev/scribe-sync/envelope.schema.json",
  "type": "object",
  "required": ["type", "timestamp_ms"],
  "properties": {
    "type": {
      "enum": [
        "transcription",
        "transcriptions_updated",
        "transcription_status",
        "recording_status",
        "recording_control",
        "session_context",
        "session_ack",
        "images_uploaded",
        "consent_request",
        "consent_granted",
        "consent_denied",
        "force_disconnect",
        "capture_visibility",
        "token_rotated"
      ]
    },
    "session_id": {"type": "string"},
    "sender_device_id": {"type": "string"},
    "timestamp_ms": {"type": "integer", "minimum": 0},
    "transcription": {
      "type": "object",
      "properties": {
        "text": {"type": "string"},
        "confidence": {"type": "number"},
        "words": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["word"],
            "properties": {
              "word": {"type": "string"},
              "start_ms": {"type": "integer", "minimum": 0},
              "end_ms": {"type": "integer", "minimum": 0},
              "confidence": {"type": "number"}
            }
          }
        }
      }
    },
    "transcription_status": {
      "type": "object",
      "required": ["state"],
      "properties": {"state": {"enum": ["flushing", "flushed"]}}
    },
    "recording_status": {
      "type": "object",
      "required": ["recording"],
      "properties": {"recording": {"type": "boolean"}}
    },
    "recording_control": {
      "type": "object",
      "required": ["action"],
      "properties": {"action": {"enum": ["start", "stop"]}}
    },
    "session_context": {"type": "object"},
    "session_ack": {"type": "object"},
    "images_uploaded": {
      "type": "object",
      "required": ["keys"],
      "properties": {"keys": {"type": "array", "items": {"type": "string"}, "minItems": 1}}
    },
    "consent_request": {
      "type": "object",
      "required": ["request_id", "initiator"],
      "properties": {
        "request_id": {"type": "string", "minLength": 1},
        "initiator": {"enum": ["controller", "capture"]}
      }
    },
    "consent_granted": {
      "type": "object",
      "required": ["request_id"],
      "properties": {"request_id": {"type": "string", "minLength": 1}}
    },
    "consent_denied": {
      "type": "object",
      "required": ["request_id", "reason"],
      "properties": {
        "request_id": {"type": "string", "minLength": 1},
        "reason": {"enum": ["user", "timeout", "other"]}
      }
    },
    "force_disconnect": {
      "type": "object",
      "required": ["target_device_id"],
      "properties": {"target_device_id": {"type": "string", "minLength": 1}}
    },
    "capture_visibility": {
      "type": "object",
      "required": ["focused"],
      "properties": {"focused": {"type": "boolean"}}
    },
    "token_rotated": {"type": "object"}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledWireSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.schema.json", strings.NewReader(wireSchema)); err != nil {
			compileErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("envelope.schema.json")
	})
	return compiled, compileErr
}

// ValidateWire checks a raw inbound frame against the envelope schema.
func ValidateWire(raw []byte) error {
	schema, err := compiledWireSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode envelope frame: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope schema violation: %w", err)
	}
	return nil
}

// DecodeWire validates and decodes a raw frame into a typed envelope.
func DecodeWire(raw []byte) (Envelope, error) {
	if err := ValidateWire(raw); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

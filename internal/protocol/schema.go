package protocol

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = envelope

		payloads := map[string]string{
			TypeChatSend:         chatSendSchema,
			TypeChatAbort:        chatAbortSchema,
			TypeContextInspect:   contextInspectSchema,
			TypeUsageQuery:       usageQuerySchema,
			TypeSessionsList:     emptyObjectSchema,
			TypeApprovalRespond:  approvalRespondSchema,
			TypePreflightRespond: preflightRespondSchema,
		}
		schemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for name, schema := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.payloads[name] = compiled
		}
	})
	return schemas.initErr
}

func validateFrame(raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return &DecodeError{Reason: "invalid JSON: " + err.Error()}
	}
	if err := schemas.envelope.Validate(value); err != nil {
		return &DecodeError{Reason: err.Error()}
	}

	frame, ok := value.(map[string]any)
	if !ok {
		return &DecodeError{Reason: "frame is not an object"}
	}
	msgType, _ := frame["type"].(string)
	schema := schemas.payloads[msgType]
	if schema == nil {
		return nil
	}
	payload, ok := frame["payload"]
	if !ok || payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1 },
    "payload": { "type": ["object", "null"] }
  },
  "additionalProperties": false
}`

const emptyObjectSchema = `{
  "type": "object"
}`

const chatSendSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1 },
    "sessionId": { "type": "string" },
    "model": { "type": "string" },
    "preflight": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const chatAbortSchema = `{
  "type": "object",
  "properties": {
    "requestId": { "type": "string" }
  },
  "additionalProperties": false
}`

const contextInspectSchema = `{
  "type": "object",
  "properties": {
    "sessionId": { "type": "string" }
  },
  "additionalProperties": false
}`

const usageQuerySchema = `{
  "type": "object",
  "properties": {
    "sessionId": { "type": "string" }
  },
  "additionalProperties": false
}`

const approvalRespondSchema = `{
  "type": "object",
  "required": ["approvalId", "approved"],
  "properties": {
    "approvalId": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" },
    "approveForSession": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const preflightRespondSchema = `{
  "type": "object",
  "required": ["requestId", "approved"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" },
    "editedSteps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "risk"],
        "properties": {
          "description": { "type": "string" },
          "tool": { "type": "string" },
          "risk": { "enum": ["low", "medium", "high"] },
          "needsApproval": { "type": "boolean" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

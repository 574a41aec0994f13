package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError marks an inbound frame that failed structural
// validation. The connection drops the frame and carries on; nothing
// about its state may change.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

type clientEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeClientMessage parses and validates one inbound frame. Any
// structural failure comes back as a *DecodeError; the codec performs
// no side effects beyond validation.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	if err := validateFrame(raw); err != nil {
		return nil, err
	}

	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	msg := &ClientMessage{Type: env.Type, ID: env.ID}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var err error
	switch env.Type {
	case TypeChatSend:
		msg.ChatSend = &ChatSendPayload{}
		err = json.Unmarshal(payload, msg.ChatSend)
	case TypeChatAbort:
		msg.ChatAbort = &ChatAbortPayload{}
		err = json.Unmarshal(payload, msg.ChatAbort)
	case TypeContextInspect:
		msg.ContextInspect = &ContextInspectPayload{}
		err = json.Unmarshal(payload, msg.ContextInspect)
	case TypeUsageQuery:
		msg.UsageQuery = &UsageQueryPayload{}
		err = json.Unmarshal(payload, msg.UsageQuery)
	case TypeSessionsList:
		// No payload.
	case TypeApprovalRespond:
		msg.ApprovalRespond = &ApprovalRespondPayload{}
		err = json.Unmarshal(payload, msg.ApprovalRespond)
	case TypePreflightRespond:
		msg.PreflightRespond = &PreflightRespondPayload{}
		err = json.Unmarshal(payload, msg.PreflightRespond)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	return msg, nil
}

// EncodeServerMessage marshals one outbound frame.
func EncodeServerMessage(msg *ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Error builds an error message for a request.
func Error(requestID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		RequestID: requestID,
		Payload:   &ErrorPayload{Code: code, Message: message},
	}
}

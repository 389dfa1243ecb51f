// Package ocppj implements the OCPP-J wire envelope shared by the 1.6 and
// 2.0.1 dialects: a JSON array [kind, id, action, payload] for calls and
// [kind, id, payload] for results.
package ocppj

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/evetech/cp-simulator/internal/engine"
)

// OCPP-J message type ids.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Codec implements engine.Codec for the OCPP-J envelope.
type Codec struct{}

// EncodeCall wraps payload in a [2, "<uuid>", action, payload] envelope.
func (Codec) EncodeCall(action string, payload any) (string, []byte, error) {
	id := uuid.NewString()
	frame, err := json.Marshal([]any{CallMessage, id, action, payload})
	if err != nil {
		return "", nil, err
	}
	return id, frame, nil
}

// EncodeResult wraps payload in a [3, id, payload] envelope.
func (Codec) EncodeResult(id string, payload any) ([]byte, error) {
	return json.Marshal([]any{CallResultMessage, id, payload})
}

// PeekCall extracts the message id and action from a hand-written call
// frame without validating the payload. Interactive mode uses it to register
// raw frames in the pending table; malformed frames yield empty strings and
// the send proceeds uncorrelated.
func PeekCall(frame []byte) (id, action string) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil || len(parts) < 3 {
		return "", ""
	}
	_ = json.Unmarshal(parts[1], &id)
	_ = json.Unmarshal(parts[2], &action)
	return id, action
}

// Decode classifies an inbound frame. Calls require four elements, results
// three; any other message type id is ignored at debug level.
func (Codec) Decode(frame []byte) (*engine.Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("not a JSON array: %w", err)
	}
	if len(parts) < 1 {
		return nil, fmt.Errorf("empty envelope")
	}
	var kind int
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	switch kind {
	case CallMessage:
		if len(parts) < 4 {
			return nil, fmt.Errorf("call envelope too short")
		}
		var id, action string
		if err := json.Unmarshal(parts[1], &id); err != nil {
			return nil, fmt.Errorf("invalid call id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &action); err != nil {
			return nil, fmt.Errorf("invalid action: %w", err)
		}
		return &engine.Message{Kind: engine.KindCall, ID: id, Action: action, Payload: parts[3]}, nil
	case CallResultMessage:
		if len(parts) < 3 {
			return nil, fmt.Errorf("result envelope too short")
		}
		var id string
		if err := json.Unmarshal(parts[1], &id); err != nil {
			return nil, fmt.Errorf("invalid result id: %w", err)
		}
		return &engine.Message{Kind: engine.KindResult, ID: id, Payload: parts[2]}, nil
	default:
		return &engine.Message{Kind: engine.KindIgnore}, nil
	}
}

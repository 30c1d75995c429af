package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire shape for a control message: a discriminator plus the
// message body. The owner and proxy exchange typed values in process, but the
// boundary stays byte-encodable so it can be carried over any pipe.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeOutbound marshals an outbound message into its envelope form.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

// EncodeInbound marshals an inbound message into its envelope form.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

func encode(kind string, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", kind, err)
	}
	return json.Marshal(envelope{Type: kind, Data: data})
}

func decodeInto[T any](env envelope) (T, error) {
	var msg T
	if len(env.Data) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return msg, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// DecodeOutbound parses an envelope into its typed outbound message.
func DecodeOutbound(b []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch env.Type {
	case (Init{}).Kind():
		return decodeInto[Init](env)
	case (Start{}).Kind():
		return Start{}, nil
	case (Stop{}).Kind():
		return Stop{}, nil
	case (Suspend{}).Kind():
		return Suspend{}, nil
	case (Reset{}).Kind():
		return Reset{}, nil
	case (Invoke{}).Kind():
		return decodeInto[Invoke](env)
	case (TokenResponse{}).Kind():
		return decodeInto[TokenResponse](env)
	case (VisibilityChange{}).Kind():
		return decodeInto[VisibilityChange](env)
	case (FocusReconnect{}).Kind():
		return decodeInto[FocusReconnect](env)
	case (EnsureConnected{}).Kind():
		return decodeInto[EnsureConnected](env)
	default:
		return nil, fmt.Errorf("protocol: unknown outbound message type %q", env.Type)
	}
}

// DecodeInbound parses an envelope into its typed inbound message.
func DecodeInbound(b []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch env.Type {
	case (Event{}).Kind():
		return decodeInto[Event](env)
	case (InvokeResult{}).Kind():
		return decodeInto[InvokeResult](env)
	case (StateChange{}).Kind():
		return decodeInto[StateChange](env)
	case (Reconnecting{}).Kind():
		return decodeInto[Reconnecting](env)
	case (Reconnected{}).Kind():
		return Reconnected{}, nil
	case (Closed{}).Kind():
		return decodeInto[Closed](env)
	case (TokenRequest{}).Kind():
		return decodeInto[TokenRequest](env)
	case (Started{}).Kind():
		return Started{}, nil
	case (StartError{}).Kind():
		return decodeInto[StartError](env)
	case (Stopped{}).Kind():
		return Stopped{}, nil
	case (FocusReconnectResult{}).Kind():
		return decodeInto[FocusReconnectResult](env)
	case (EnsureConnectedResult{}).Kind():
		return decodeInto[EnsureConnectedResult](env)
	case (Log{}).Kind():
		return decodeInto[Log](env)
	default:
		return nil, fmt.Errorf("protocol: unknown inbound message type %q", env.Type)
	}
}

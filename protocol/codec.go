package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"touchmouse/models"
)

var (
	// ErrDecode marks a frame that is malformed or of an unknown type.
	// Receive loops drop such frames and keep reading.
	ErrDecode = errors.New("protocol: undecodable frame")
	// ErrInvalidMessage indicates an outbound message that cannot be encoded.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// envelope is the JSON shape shared by every transport.
type envelope struct {
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
}

type movePayload struct {
	Direction Direction `json:"direction"`
	Intensity *int      `json:"intensity,omitempty"`
	// Speed is the key older bridges and controllers used for intensity.
	Speed *int `json:"speed,omitempty"`
}

// Encode serializes msg with an optional target id. targetID must be set on
// the local channel and left empty on bridge and peer links.
func Encode(msg Message, targetID string) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope{
		Type:     msg.Type(),
		Payload:  payload,
		TargetID: targetID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return raw, nil
}

func encodePayload(msg Message) (json.RawMessage, error) {
	switch m := msg.(type) {
	case MoveMessage:
		if !m.Direction.Valid() {
			return nil, fmt.Errorf("%w: direction %q", ErrInvalidMessage, m.Direction)
		}
		if m.Intensity <= 0 {
			return nil, fmt.Errorf("%w: intensity %d", ErrInvalidMessage, m.Intensity)
		}
		return json.Marshal(m)
	case ActionMessage:
		if !m.Action.Valid() {
			return nil, fmt.Errorf("%w: action %q", ErrInvalidMessage, m.Action)
		}
		return json.Marshal(string(m.Action))
	case AdvertiseMessage:
		if strings.TrimSpace(m.Device.ID) == "" {
			return nil, fmt.Errorf("%w: advertise without id", ErrInvalidMessage)
		}
		return json.Marshal(m.Device)
	case ConnectMessage:
		return json.Marshal(m)
	case HandshakeMessage:
		return json.Marshal(m)
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, msg)
	}
}

// Decode parses one wire frame. Every failure wraps ErrDecode.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	msg, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Message: msg, TargetID: env.TargetID}, nil
}

func decodePayload(typ MessageType, payload json.RawMessage) (Message, error) {
	switch typ {
	case TypeMove:
		var p movePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return nil, err
		}
		if !p.Direction.Valid() {
			return nil, fmt.Errorf("%w: direction %q", ErrDecode, p.Direction)
		}
		intensity := p.Intensity
		if intensity == nil {
			intensity = p.Speed
		}
		if intensity == nil || *intensity <= 0 {
			return nil, fmt.Errorf("%w: move without positive intensity", ErrDecode)
		}
		return MoveMessage{Direction: p.Direction, Intensity: *intensity}, nil
	case TypeAction:
		var action string
		if err := unmarshalPayload(payload, &action); err != nil {
			return nil, err
		}
		if !Action(action).Valid() {
			return nil, fmt.Errorf("%w: action %q", ErrDecode, action)
		}
		return ActionMessage{Action: Action(action)}, nil
	case TypeAdvertise:
		var device models.DeviceInfo
		if err := unmarshalPayload(payload, &device); err != nil {
			return nil, err
		}
		if strings.TrimSpace(device.ID) == "" {
			return nil, fmt.Errorf("%w: advertise without id", ErrDecode)
		}
		return AdvertiseMessage{Device: device}, nil
	case TypeConnect:
		var m ConnectMessage
		if !isEmptyPayload(payload) {
			if err := unmarshalPayload(payload, &m); err != nil {
				return nil, err
			}
		}
		return m, nil
	case TypeHandshake:
		var m HandshakeMessage
		if err := unmarshalPayload(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, typ)
	}
}

func unmarshalPayload(payload json.RawMessage, target any) error {
	if isEmptyPayload(payload) {
		return fmt.Errorf("%w: missing payload", ErrDecode)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

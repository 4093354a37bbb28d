package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognised "type".
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned by Decode when the payload cannot be parsed
	// or lacks required envelope fields.
	ErrMalformed = errors.New("malformed message")
)

// Encode serializes a message to its text wire form. The "type" field is
// always set from the variant.
func Encode(m Message) ([]byte, error) {
	m.header().Kind = m.Type()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type(), err)
	}
	return data, nil
}

// Decode parses a wire message into its variant.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch probe.Type {
	case TypeDeviceDiscovery:
		m = &DeviceDiscovery{}
	case TypeDeviceResponse:
		m = &DeviceResponse{}
	case TypeLinkRequest:
		m = &LinkRequest{}
	case TypeLinkResponse:
		m = &LinkResponse{}
	case TypeLinkConfirm:
		m = &LinkConfirm{}
	case TypeDevicePing:
		m = &DevicePing{}
	case TypeSyncRequest:
		m = &SyncRequest{}
	case TypeSyncResponse:
		m = &SyncResponse{}
	case TypeSyncUpdate:
		m = &SyncUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, probe.Type, err)
	}
	if m.Sender().SenderID == "" {
		return nil, fmt.Errorf("%w: %s: missing deviceId", ErrMalformed, probe.Type)
	}
	return m, nil
}

package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
)

// PayloadType is the type tag of a pairing payload.
const PayloadType = "device_link"

// CodeLength is the number of digits in a link code.
const CodeLength = 6

var (
	// ErrInvalidPayload is returned for text that is not a pairing payload.
	ErrInvalidPayload = errors.New("invalid pairing payload")

	// ErrInvalidCode is returned for a link code that is not six digits.
	ErrInvalidCode = errors.New("invalid link code")
)

// Payload is what a code-presentation surface shows or encodes in a
// scannable image for the redeeming device.
type Payload struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	DeviceName string `json:"deviceName"`
}

// NewPayload builds the payload for code generated by deviceName.
func NewPayload(code, deviceName string) Payload {
	return Payload{Type: PayloadType, Code: code, DeviceName: deviceName}
}

// Marshal renders the payload as JSON text.
func (p Payload) Marshal() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// ParsePayload parses and validates payload text.
func ParsePayload(text string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Type != PayloadType {
		return Payload{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidPayload, p.Type)
	}
	if err := ValidateCode(p.Code); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// ValidateCode checks that code is exactly six decimal digits.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	return nil
}

// newLinkCode returns a six-digit code without a leading zero.
func newLinkCode() string {
	return strconv.Itoa(100000 + rand.IntN(900000))
}

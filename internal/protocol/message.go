// Package protocol defines the messages exchanged over the signaling bus and
// over direct peer channels.
//
// Every message is one variant of a closed union. The wire form is a JSON
// object whose "type" field selects the variant:
//
//	{"type":"device_discovery","deviceId":"device-…","deviceName":"Swift Tablet","timestamp":1718000000000,"addr":"…"}
//
// Handlers switch on the concrete Go type; the union is sealed by an
// unexported method so no other package can add variants.
package protocol

import (
	"time"

	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/schedule"
)

// Type is the discriminator carried in the "type" field.
type Type string

const (
	TypeDeviceDiscovery Type = "device_discovery"
	TypeDeviceResponse  Type = "device_response"
	TypeLinkRequest     Type = "link_request"
	TypeLinkResponse    Type = "link_response"
	TypeLinkConfirm     Type = "link_confirm"
	TypeDevicePing      Type = "device_ping"
	TypeSyncRequest     Type = "sync_request"
	TypeSyncResponse    Type = "sync_response"
	TypeSyncUpdate      Type = "sync_update"
)

// Message is implemented by every variant in this package only.
type Message interface {
	// Type returns the variant discriminator.
	Type() Type
	// Sender returns the common envelope fields.
	Sender() Header
	header() *Header
}

// Header holds the fields every message carries. Timestamp is milliseconds
// since the Unix epoch on the wire.
type Header struct {
	Kind       Type   `json:"type"`
	SenderID   string `json:"deviceId"`
	SenderName string `json:"deviceName"`
	Timestamp  int64  `json:"timestamp"`
}

// NewHeader stamps a header for the given identity at now.
func NewHeader(id device.Identity, now time.Time) Header {
	return Header{SenderID: id.ID, SenderName: id.Name, Timestamp: now.UnixMilli()}
}

// Sender implements Message.
func (h Header) Sender() Header { return h }

// Time returns the timestamp as a time.Time.
func (h Header) Time() time.Time { return time.UnixMilli(h.Timestamp) }

func (h *Header) header() *Header { return h }

// DeviceDiscovery announces an enabled sync participant. Addr is the
// participant's peer endpoint when the transport needs one.
type DeviceDiscovery struct {
	Header
	Addr string `json:"addr,omitempty"`
}

// DeviceResponse answers a discovery. Expecting is set when the responder
// registered a slot for the discovering device and waits for it to connect.
// A response without it, including one from an older sender that omits the
// field, never makes the receiver dial.
type DeviceResponse struct {
	Header
	Addr      string `json:"addr,omitempty"`
	Expecting bool   `json:"expecting,omitempty"`
}

// LinkRequest advertises an open pairing session and its code.
type LinkRequest struct {
	Header
	SessionID string `json:"sessionId"`
	LinkCode  string `json:"linkCode"`
}

// LinkResponse redeems a pairing session.
type LinkResponse struct {
	Header
	SessionID string `json:"sessionId"`
	LinkCode  string `json:"linkCode"`
}

// LinkConfirm completes a pairing session.
type LinkConfirm struct {
	Header
	SessionID string `json:"sessionId"`
}

// DevicePing is the periodic liveness beacon of a device with links.
type DevicePing struct {
	Header
}

// SyncRequest asks a connected peer for its full state.
type SyncRequest struct {
	Header
}

// SyncResponse answers a SyncRequest with the full state.
type SyncResponse struct {
	Header
	Data schedule.Snapshot `json:"data"`
}

// SyncUpdate pushes a full state after a local change.
type SyncUpdate struct {
	Header
	Data schedule.Snapshot `json:"data"`
}

func (*DeviceDiscovery) Type() Type { return TypeDeviceDiscovery }
func (*DeviceResponse) Type() Type  { return TypeDeviceResponse }
func (*LinkRequest) Type() Type     { return TypeLinkRequest }
func (*LinkResponse) Type() Type    { return TypeLinkResponse }
func (*LinkConfirm) Type() Type     { return TypeLinkConfirm }
func (*DevicePing) Type() Type      { return TypeDevicePing }
func (*SyncRequest) Type() Type     { return TypeSyncRequest }
func (*SyncResponse) Type() Type    { return TypeSyncResponse }
func (*SyncUpdate) Type() Type      { return TypeSyncUpdate }

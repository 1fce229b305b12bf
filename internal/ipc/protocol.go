// Package ipc is the control channel between hwkeysd and its clients.
//
// Every message is a 16-byte header followed by a JSON payload. Requests
// are validated against embedded JSON schemas before they reach the
// handler.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"hwkeysd/internal/engine"
	"hwkeysd/internal/health"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x48574B44 // "HWKD"
)

// MaxPayload bounds a single message body.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgHealthCheck    MessageType = 0x0102
	MsgHealthResponse MessageType = 0x0103

	// Bindings (0x02xx)
	MsgGetBinding        MessageType = 0x0200
	MsgGetBindingResp    MessageType = 0x0201
	MsgPutBinding        MessageType = 0x0202
	MsgPutBindingResp    MessageType = 0x0203
	MsgDeleteBinding     MessageType = 0x0204
	MsgDeleteBindingResp MessageType = 0x0205
	MsgListBindings      MessageType = 0x0206
	MsgListBindingsResp  MessageType = 0x0207

	// Input injection (0x03xx)
	MsgInjectKey         MessageType = 0x0300
	MsgInjectKeyResp     MessageType = 0x0301
	MsgInjectGesture     MessageType = 0x0302
	MsgInjectGestureResp MessageType = 0x0303

	// Device state (0x04xx)
	MsgSetState     MessageType = 0x0400
	MsgSetStateResp MessageType = 0x0401

	// Catalog (0x05xx)
	MsgCatalog     MessageType = 0x0500
	MsgCatalogResp MessageType = 0x0501
)

var messageNames = map[MessageType]string{
	MsgPing:              "ping",
	MsgPong:              "pong",
	MsgHandshake:         "handshake",
	MsgHandshakeAck:      "handshake_ack",
	MsgError:             "error",
	MsgStatusRequest:     "status",
	MsgStatusResponse:    "status_response",
	MsgHealthCheck:       "health",
	MsgHealthResponse:    "health_response",
	MsgGetBinding:        "get_binding",
	MsgGetBindingResp:    "get_binding_response",
	MsgPutBinding:        "put_binding",
	MsgPutBindingResp:    "put_binding_response",
	MsgDeleteBinding:     "delete_binding",
	MsgDeleteBindingResp: "delete_binding_response",
	MsgListBindings:      "list_bindings",
	MsgListBindingsResp:  "list_bindings_response",
	MsgInjectKey:         "inject_key",
	MsgInjectKeyResp:     "inject_key_response",
	MsgInjectGesture:     "inject_gesture",
	MsgInjectGestureResp: "inject_gesture_response",
	MsgSetState:          "set_state",
	MsgSetStateResp:      "set_state_response",
	MsgCatalog:           "catalog",
	MsgCatalogResp:       "catalog_response",
}

func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%#04x)", uint16(t))
}

// PermissionLevel defines client access levels.
type PermissionLevel uint8

const (
	// PermReadOnly may query status, bindings, the catalog and health.
	PermReadOnly PermissionLevel = 0x01
	// PermReadWrite may also change bindings, state and inject input.
	PermReadWrite PermissionLevel = 0x02
)

func (p PermissionLevel) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("PermissionLevel(%d)", uint8(p))
	}
}

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// FlagJSON marks a JSON payload; it is the only encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	h.put(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
	}

	return h, nil
}

// Write sends header and payload in one write.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client after connecting.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version,omitempty"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse tells the client who it is to the server.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	ClientID        string          `json:"client_id"`
	Permission      PermissionLevel `json:"permission"`
	PeerUID         int             `json:"peer_uid"`
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnsupported      = 6
	ErrRateLimited      = 7
)

// StatusRequest requests daemon status.
type StatusRequest struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Version   string                 `json:"version"`
	PID       int                    `json:"pid"`
	StartedAt time.Time              `json:"started_at"`
	Uptime    string                 `json:"uptime"`
	Engine    engine.State           `json:"engine"`
	Signals   map[string]bool        `json:"signals"`
	Gestures  GestureStatus          `json:"gestures"`
	Store     string                 `json:"store,omitempty"`
	Clients   int                    `json:"clients"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// GestureStatus summarises the gesture dispatcher.
type GestureStatus struct {
	Registered int  `json:"registered"`
	Sensor     bool `json:"sensor"`
	InFlight   bool `json:"in_flight"`
}

// HealthRequest asks for the health report; Full runs every check.
type HealthRequest struct {
	Full bool `json:"full,omitempty"`
}

// HealthResponse is the health report.
type HealthResponse = health.Report

// BindingRequest names a binding for get and delete.
type BindingRequest struct {
	Key string `json:"key"`
}

// PutBindingRequest writes a binding. An empty Value is stored as is.
type PutBindingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BindingResponse returns one binding.
type BindingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// ListBindingsRequest lists bindings whose key starts with Prefix.
type ListBindingsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// ListBindingsResponse contains matching bindings.
type ListBindingsResponse struct {
	Bindings map[string]string `json:"bindings"`
}

// Injected key actions.
const (
	InjectDown      = "down"
	InjectUp        = "up"
	InjectTap       = "tap"
	InjectLongPress = "long_press"
)

// InjectKeyRequest feeds a synthetic key event through the routing
// chain. Tap is a down/up pair; long_press adds the long-press repeat
// between them.
type InjectKeyRequest struct {
	KeyCode  int    `json:"key_code"`
	ScanCode int    `json:"scan_code,omitempty"`
	Action   string `json:"action"`
	Repeat   int    `json:"repeat,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
}

// InjectResult reports whether one injected event was consumed.
type InjectResult struct {
	Event    string `json:"event"`
	Consumed bool   `json:"consumed"`
}

// InjectKeyResponse lists the injected events in order.
type InjectKeyResponse struct {
	Results []InjectResult `json:"results"`
}

// InjectGestureRequest feeds a screen-off gesture scan code.
type InjectGestureRequest struct {
	ScanCode int `json:"scan_code"`
}

// InjectGestureResponse reports whether the gesture was consumed.
type InjectGestureResponse struct {
	Consumed bool `json:"consumed"`
}

// SetStateRequest overrides one device state flag.
type SetStateRequest struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// SetStateResponse returns every flag after the change.
type SetStateResponse struct {
	State map[string]bool `json:"state"`
}

// CatalogResponse describes the loaded catalogs.
type CatalogResponse struct {
	Categories []CategoryInfo `json:"categories"`
	Gestures   []GestureInfo  `json:"gestures,omitempty"`
}

// CategoryInfo is one catalog category.
type CategoryInfo struct {
	Key          string    `json:"key"`
	Name         string    `json:"name,omitempty"`
	AllowDisable bool      `json:"allow_disable"`
	DisabledKey  string    `json:"disabled_key,omitempty"`
	Keys         []KeyInfo `json:"keys"`
}

// KeyInfo is one catalog key with the binding keys that configure it.
type KeyInfo struct {
	Name                   string   `json:"name"`
	KeyCode                int      `json:"key_code"`
	Multi                  bool     `json:"multi"`
	DefaultAction          string   `json:"default_action"`
	DefaultDoubleTapAction string   `json:"default_double_tap_action,omitempty"`
	DefaultLongPressAction string   `json:"default_long_press_action,omitempty"`
	BindingKeys            []string `json:"binding_keys"`
}

// GestureInfo is one catalog gesture.
type GestureInfo struct {
	ScanCode      int    `json:"scan_code"`
	Name          string `json:"name"`
	DefaultAction string `json:"default_action"`
	BindingKey    string `json:"binding_key"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v
// untouched.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

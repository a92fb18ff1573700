// Package protocol defines the JSON frames exchanged with device and
// controller connections. Every inbound frame is an object carrying an
// "event" discriminator; everything else about the payload is opaque to the
// relay and forwarded verbatim where routing demands it.
package protocol

import "encoding/json"

// Kind enumerates the recognised event discriminators.
type Kind string

const (
	// KindDeviceLog is sent by devices to have a log payload forwarded upstream.
	KindDeviceLog Kind = "device-log"
	// KindPong acknowledges a liveness ping from the relay.
	KindPong Kind = "pong"
	// KindSendToDevice asks the relay to forward the frame to a named device.
	KindSendToDevice Kind = "send-to-device"
	// KindPing is the outbound liveness probe.
	KindPing Kind = "ping"
	// KindDeviceConnection carries the roster broadcast after a presence change.
	KindDeviceConnection Kind = "device-connection"
	// KindUnknown marks events this relay does not recognise; they are accepted
	// and ignored for forward compatibility.
	KindUnknown Kind = ""
)

// Envelope is the decoded view of an inbound frame. Raw preserves the exact
// bytes received so controller payloads can be relayed without re-encoding.
type Envelope struct {
	Event    string          `json:"event"`
	DeviceID string          `json:"deviceId,omitempty"`
	Logs     json.RawMessage `json:"logs,omitempty"`

	Raw []byte `json:"-"`
}

// Kind maps the event discriminator onto the closed set of recognised kinds.
func (e *Envelope) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	switch Kind(e.Event) {
	case KindDeviceLog, KindPong, KindSendToDevice:
		return Kind(e.Event)
	default:
		return KindUnknown
	}
}

// Decode parses a single inbound frame. A malformed body yields an error the
// caller logs and swallows; a well-formed body with a missing or unrecognised
// event decodes successfully and reports KindUnknown.
func Decode(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	envelope.Raw = append([]byte(nil), data...)
	return &envelope, nil
}

// Ping encodes the outbound liveness probe.
func Ping() []byte {
	return []byte(`{"event":"ping"}`)
}

// DeviceConnection encodes the roster broadcast pushed to every connection
// after a successful status sync. The roster is embedded verbatim.
func DeviceConnection(roster json.RawMessage) ([]byte, error) {
	if len(roster) == 0 {
		roster = json.RawMessage("null")
	}
	frame := struct {
		Event   string          `json:"event"`
		Screens json.RawMessage `json:"screens"`
	}{
		Event:   string(KindDeviceConnection),
		Screens: roster,
	}
	return json.Marshal(frame)
}

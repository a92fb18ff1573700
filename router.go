package main

import (
	"context"

	"github.com/rs/zerolog"

	"cjtronics/relay/internal/protocol"
)

// route dispatches one inbound message. Device senders may forward logs and
// answer pings; controller senders may push frames to a named device. Anything
// else, including malformed bodies, is dropped without a response.
func (r *Relay) route(c *client, raw []byte, logger zerolog.Logger) {
	envelope, err := protocol.Decode(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("discarding malformed message")
		return
	}
	if r.reg.IsDevice(c) {
		r.routeFromDevice(c, envelope, logger)
		return
	}
	r.routeFromController(c, envelope, logger)
}

func (r *Relay) routeFromDevice(c *client, envelope *protocol.Envelope, logger zerolog.Logger) {
	// Capture the id now: the forward must complete under this identity even if
	// the device disconnects while the backend call is in flight.
	deviceID := c.deviceID

	switch envelope.Kind() {
	case protocol.KindDeviceLog:
		if err := r.journal.RecordMessage("device-log", c.id, deviceID, envelope.Raw); err != nil {
			logger.Debug().Err(err).Msg("journal write failed")
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.BackendTimeout)
		defer cancel()
		if err := r.backend.ForwardDeviceLog(ctx, deviceID, envelope.Logs); err != nil {
			// Best-effort: never surfaced to the sender, never retried.
			logger.Warn().Err(err).Msg("device log forward failed")
			return
		}
		logger.Debug().Msg("device log forwarded")
	case protocol.KindPong:
		c.monitor.Ack()
	default:
		// A device may not message another device.
	}
}

func (r *Relay) routeFromController(c *client, envelope *protocol.Envelope, logger zerolog.Logger) {
	if envelope.Kind() != protocol.KindSendToDevice || envelope.DeviceID == "" {
		return
	}
	target := r.reg.FindByDeviceID(envelope.DeviceID)
	if target == nil {
		// Routing miss, not an error: the controller gets no delivery signal.
		logger.Debug().Str("device_id", envelope.DeviceID).Msg("no device registered for forward")
		return
	}
	device, ok := target.(*client)
	if !ok {
		return
	}
	if !device.enqueue(envelope.Raw) {
		logger.Debug().Str("device_id", envelope.DeviceID).Msg("target not open, forward dropped")
		return
	}
	r.forwards.Add(1)
	if err := r.journal.RecordMessage("relay", c.id, envelope.DeviceID, envelope.Raw); err != nil {
		logger.Debug().Err(err).Msg("journal write failed")
	}
	logger.Debug().Str("device_id", envelope.DeviceID).Msg("frame forwarded to device")
}

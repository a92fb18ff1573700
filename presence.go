package main

import (
	"context"

	"cjtronics/relay/internal/protocol"
)

// reportStatus tells the backend about a device's online/offline transition
// and, on success, fans the returned roster out to every open connection as a
// device-connection frame. The whole operation is best-effort: failures are
// logged and swallowed, nothing is retried, and no roster is broadcast when
// the backend call fails.
func (r *Relay) reportStatus(deviceID string, online bool) {
	logger := r.log.With().Str("device_id", deviceID).Bool("online", online).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.BackendTimeout)
	defer cancel()

	roster, err := r.backend.UpdateDeviceStatus(ctx, deviceID, online)
	if err != nil {
		logger.Warn().Err(err).Msg("device status update failed")
		return
	}

	frame, err := protocol.DeviceConnection(roster)
	if err != nil {
		logger.Error().Err(err).Msg("roster frame encoding failed")
		return
	}
	r.broadcast(frame)
	if err := r.journal.RecordRoster(deviceID, online, roster); err != nil {
		logger.Debug().Err(err).Msg("journal write failed")
	}
	logger.Debug().Msg("roster broadcast sent")
}

package api

import (
	"context"
	"time"
)

// publishEvent sends a best-effort fleet event; a missing bus or a
// publish failure never affects the request that triggered it.
func (a *API) publishEvent(ctx context.Context, subject string, payload map[string]any) {
	if a.bus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.bus.Publish(ctx, subject, payload); err != nil {
		a.logger.Printf("WARN publish %s: %v", subject, err)
	}
}

// DeviceOffline is the sweeper's notification hook: it records and
// broadcasts a liveness-timeout demotion.
func (a *API) DeviceOffline(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.audit.DeviceEvent(ctx, deviceID, "offline")
	a.publishEvent(ctx, deviceOfflineTopic, map[string]any{"device_id": deviceID})
}

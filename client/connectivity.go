package client

import (
	"context"
	"time"
)

// Probe reports whether the remote is reachable.
type Probe func(ctx context.Context) error

// WatchConnectivity polls probe every interval and feeds transitions to
// SetOnline until ctx is done.
func (m *Manager) WatchConnectivity(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.WithError(err).Debug("connectivity probe failed")
		}
		m.SetOnline(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

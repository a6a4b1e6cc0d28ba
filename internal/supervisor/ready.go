package supervisor

import (
	"context"
	"net"
	"time"
)

// ReadyFunc decides when a freshly spawned backend is ready to receive
// traffic. It blocks until readiness or until ctx is done; the supervisor
// bounds ctx with the configured startup timeout.
type ReadyFunc func(ctx context.Context, addr string) error

// DialReady is the default readiness policy: actively probe the backend's
// loopback address until a TCP connect succeeds. interval paces the probes,
// timeout bounds each individual dial.
func DialReady(interval, timeout time.Duration) ReadyFunc {
	return func(ctx context.Context, addr string) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// FixedDelayReady waits a flat delay and assumes readiness. Kept for
// backends that refuse connections until late in their startup but cannot
// be probed.
func FixedDelayReady(delay time.Duration) ReadyFunc {
	return func(ctx context.Context, _ string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			return nil
		}
	}
}

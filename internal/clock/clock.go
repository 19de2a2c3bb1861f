// Package clock provides the wall clock used for timestamps and the network time
// synchronizers that make it trustworthy.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// ErrTimeout is returned by WaitSynchronized when the bound elapses first.
var ErrTimeout = errors.New("clock synchronization timed out")

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// Synchronizer obtains an accurate time from a network service. Synchronize starts
// the request; Synchronized reports completion.
type Synchronizer interface {
	Synchronize(ctx context.Context) error
	Synchronized() bool
}

// System is the host clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Host trusts the operating system clock, which is expected to be disciplined by
// the host's own NTP daemon. It reports synchronized as soon as it is asked.
type Host struct {
	done atomic.Bool
}

func (h *Host) Synchronize(context.Context) error {
	h.done.Store(true)
	return nil
}

func (h *Host) Synchronized() bool { return h.done.Load() }

func (h *Host) Now() time.Time { return time.Now() }

// NTP queries an NTP server in the background and applies the measured offset to
// the host clock. It also implements Clock.
type NTP struct {
	server string
	logger *slog.Logger
	query  func(host string) (*ntp.Response, error)
	retry  time.Duration

	mu     sync.RWMutex
	offset time.Duration
	done   atomic.Bool
}

// NewNTP returns a synchronizer for server.
func NewNTP(server string, logger *slog.Logger) *NTP {
	return &NTP{server: server, logger: logger, query: ntp.Query, retry: 2 * time.Second}
}

// Synchronize starts querying the server until a valid response arrives or ctx ends.
// It returns immediately; poll Synchronized or use WaitSynchronized.
func (n *NTP) Synchronize(ctx context.Context) error {
	if n.server == "" {
		return fmt.Errorf("ntp: no server configured")
	}

	go func() {
		ticker := time.NewTicker(n.retry)
		defer ticker.Stop()

		for {
			err := n.syncOnce()
			if err == nil {
				return
			}
			n.logger.Debug("ntp query failed", "server", n.server, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (n *NTP) syncOnce() error {
	resp, err := n.query(n.server)
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	n.mu.Lock()
	n.offset = resp.ClockOffset
	n.mu.Unlock()
	n.done.Store(true)

	n.logger.Info("ntp synchronized", "server", n.server, "offset", resp.ClockOffset, "stratum", resp.Stratum)
	return nil
}

func (n *NTP) Synchronized() bool { return n.done.Load() }

// Now returns host time corrected by the last measured offset.
func (n *NTP) Now() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return time.Now().Add(n.offset)
}

// WaitSynchronized polls s every interval until it reports synchronized. A
// non-positive timeout waits without bound; ctx cancellation always ends the wait.
func WaitSynchronized(ctx context.Context, s Synchronizer, interval, timeout time.Duration) error {
	if s.Synchronized() {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
			if s.Synchronized() {
				return nil
			}
		}
	}
}

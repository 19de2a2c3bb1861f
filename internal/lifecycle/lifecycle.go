// Package lifecycle sequences network association and clock synchronization before
// any telemetry is attempted. The state only moves forward; any failure is terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banchen21/esp32c3-oled/internal/clock"
	"github.com/banchen21/esp32c3-oled/internal/wifi"
)

// State is a connectivity lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connected
	Ready
	Aborted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Ready:
		return "time_synchronized"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrAssociation wraps a failed network association.
	ErrAssociation = errors.New("network association failed")
	// ErrSync wraps a failed or timed out clock synchronization.
	ErrSync = errors.New("clock synchronization failed")
	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("lifecycle already run")
)

const defaultPollInterval = 100 * time.Millisecond

var stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "telemetry_connectivity_state",
	Help: "Connectivity lifecycle state (0 disconnected, 1 connected, 2 time synchronized, 3 aborted).",
})

func init() { prometheus.MustRegister(stateGauge) }

// Network holds the association parameters.
type Network struct {
	SSID string
	PSK  string
	Auth wifi.AuthMethod
}

// Observer is notified of every transition. It must not block.
type Observer func(state State, detail string)

// Lifecycle runs the bring-up sequence once.
type Lifecycle struct {
	network      Network
	associator   wifi.Associator
	synchronizer clock.Synchronizer
	logger       *slog.Logger

	// SyncTimeout bounds the synchronization wait; zero waits without bound.
	SyncTimeout time.Duration
	// PollInterval is the delay between synchronization checks.
	PollInterval time.Duration
	// Observer, when set, receives each transition.
	Observer Observer

	state   atomic.Int32
	started atomic.Bool
	conn    wifi.Connection
}

// New constructs a lifecycle in the Disconnected state.
func New(network Network, associator wifi.Associator, synchronizer clock.Synchronizer, logger *slog.Logger) *Lifecycle {
	l := &Lifecycle{
		network:      network,
		associator:   associator,
		synchronizer: synchronizer,
		logger:       logger,
		PollInterval: defaultPollInterval,
	}
	stateGauge.Set(float64(Disconnected))
	return l
}

// State returns the current state. Safe for concurrent use.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Connection returns the association handle once Connected has been reached.
func (l *Lifecycle) Connection() wifi.Connection {
	return l.conn
}

// Run associates, then synchronizes the clock. It returns nil once Ready. On failure
// the lifecycle is Aborted and the returned error wraps ErrAssociation or ErrSync.
func (l *Lifecycle) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	l.logger.Info("associating with network", "ssid", l.network.SSID, "auth", l.network.Auth)
	conn, err := l.associator.Associate(ctx, l.network.SSID, l.network.PSK, l.network.Auth)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAssociation, err)
		l.abort(err)
		return err
	}
	l.conn = conn
	l.transition(Connected, conn.Interface)

	l.logger.Info("requesting clock synchronization")
	if err := l.synchronizer.Synchronize(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrSync, err)
		l.abort(err)
		return err
	}
	if err := clock.WaitSynchronized(ctx, l.synchronizer, l.PollInterval, l.SyncTimeout); err != nil {
		err = fmt.Errorf("%w: %w", ErrSync, err)
		l.abort(err)
		return err
	}
	l.transition(Ready, "")
	l.logger.Info("clock synchronization complete")
	return nil
}

func (l *Lifecycle) transition(to State, detail string) {
	from := State(l.state.Swap(int32(to)))
	stateGauge.Set(float64(to))
	l.logger.Info("connectivity state changed", "from", from, "to", to)
	if l.Observer != nil {
		l.Observer(to, detail)
	}
}

func (l *Lifecycle) abort(err error) {
	l.logger.Error("connectivity bring-up aborted", "state", l.State(), "error", err)
	l.transition(Aborted, err.Error())
}

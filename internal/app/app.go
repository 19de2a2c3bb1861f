package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banchen21/esp32c3-oled/internal/config"
	"github.com/banchen21/esp32c3-oled/internal/credential"
	"github.com/banchen21/esp32c3-oled/internal/display"
	"github.com/banchen21/esp32c3-oled/internal/journal"
	"github.com/banchen21/esp32c3-oled/internal/lifecycle"
	"github.com/banchen21/esp32c3-oled/internal/model"
	"github.com/banchen21/esp32c3-oled/internal/session"
	"github.com/banchen21/esp32c3-oled/internal/telemetry"
	"github.com/banchen21/esp32c3-oled/internal/wifi"
)

const (
	journalQueue   = 64
	journalTimeout = 2 * time.Second
	maxStoredBody  = 4096
)

var acksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "envtelemetry",
	Name:      "acks_received_total",
	Help:      "Acknowledgements received on the reply topic, by reply code.",
}, []string{"code"})

func init() { prometheus.MustRegister(acksReceived) }

// App wires the connectivity lifecycle, broker session, sampling loop and display
// mirror together and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	drivers Drivers
	bootID  string

	lifecycle *lifecycle.Lifecycle
	journal   *journal.Journal
	records   chan any
	loop      atomic.Pointer[telemetry.Loop]
	mdns      *zeroconf.Server

	postTopic  string
	replyTopic string
}

// New constructs a new application instance.
func New(cfg config.Config, drivers Drivers, logger *slog.Logger) *App {
	id := cfg.Identity
	a := &App{
		cfg:        cfg,
		logger:     logger,
		drivers:    drivers,
		bootID:     uuid.NewString(),
		records:    make(chan any, journalQueue),
		postTopic:  telemetry.PostTopic(id.ClientID, id.ProductID),
		replyTopic: telemetry.ReplyTopic(id.ClientID, id.ProductID),
	}

	auth := wifi.AuthWPA2Personal
	if id.WifiPSK == "" {
		auth = wifi.AuthNone
	}
	a.lifecycle = lifecycle.New(lifecycle.Network{
		SSID: id.WifiSSID,
		PSK:  id.WifiPSK,
		Auth: auth,
	}, drivers.Associator, drivers.Synchronizer, logger)
	a.lifecycle.SyncTimeout = cfg.SyncTimeout
	a.lifecycle.Observer = a.recordTransition
	return a
}

// BootID identifies this run in the journal and the status API.
func (a *App) BootID() string { return a.bootID }

// Run brings connectivity up, opens the broker session and runs the configured
// workers. It blocks until ctx is cancelled (returns nil) or a fatal failure occurs.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "boot_id", a.bootID, "mode", a.cfg.Mode, "client_id", a.cfg.Identity.ClientID)

	if a.cfg.JournalPath != "" {
		j, err := journal.Open(a.cfg.JournalPath)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := j.Close(); cerr != nil {
				a.logger.Error("close journal", "error", cerr)
			}
		}()
		if err := j.InitSchema(ctx); err != nil {
			return err
		}
		a.journal = j
	}

	var drained sync.WaitGroup
	drainCtx, stopDrain := context.WithCancel(context.Background())
	drained.Add(1)
	go func() {
		defer drained.Done()
		a.drainRecords(drainCtx)
	}()
	defer func() {
		stopDrain()
		drained.Wait()
	}()

	errCh := make(chan error, 3)

	if a.cfg.HTTPPort > 0 {
		httpServer, err := a.startHTTP(errCh)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http server shutdown", "error", err)
			}
			a.logger.Info("http server stopped")
		}()

		if a.cfg.MDNS {
			if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
			defer a.stopMDNS()
		}
	}

	if err := a.lifecycle.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers := 0

	if a.cfg.TelemetryEnabled() {
		sess, err := a.openSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		defer func() {
			stopWorkers()
			sess.Close()
		}()

		loop := telemetry.NewLoop(telemetry.LoopConfig{
			DeviceID:    a.cfg.Identity.ClientID,
			Topic:       a.postTopic,
			Mode:        a.drivers.SensorMode,
			SettleDelay: a.cfg.SettleDelay,
			Interval:    a.cfg.SampleInterval,
		}, a.drivers.Sensor, sess, a.drivers.Clock, a.logger)
		a.loop.Store(loop)

		workers++
		go func() { errCh <- loop.Run(workCtx) }()
	}

	if a.cfg.DisplayEnabled() && a.drivers.Panel != nil {
		screen := display.NewScreen(a.drivers.Panel, display.Width, display.Height)
		mirror := display.NewMirror(screen, a.drivers.Clock, a.cfg.DisplayInterval, a.logger)

		workers++
		go func() { errCh <- mirror.Run(workCtx) }()
	}

	if workers == 0 {
		a.logger.Warn("no workers enabled", "mode", a.cfg.Mode, "display_driver", a.cfg.DisplayDriver)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			workers--
			if workers == 0 {
				return nil
			}
		}
	}
}

func (a *App) openSession(ctx context.Context) (Session, error) {
	id := a.cfg.Identity
	cred := credential.Derive([]byte(id.Key), id.ClientID, id.ProductID)

	cfg := session.Config{
		BrokerURL:       session.BrokerURL(id.Host, a.cfg.BrokerPort),
		ClientID:        id.ClientID,
		Credential:      cred,
		KeepAlive:       a.cfg.KeepAlive,
		Timeout:         a.cfg.NetworkTimeout,
		ProtocolVersion: session.ProtocolV311,
	}

	handler := session.Chain(session.LogEvents(a.logger), a.handleEvent)
	sess, err := a.drivers.Dial(ctx, cfg, a.logger, handler)
	if err != nil {
		a.logger.Error("mqtt session failed", "broker", cfg.BrokerURL, "error", err)
		return nil, err
	}

	if err := sess.Subscribe(a.replyTopic); err != nil {
		a.logger.Warn("reply subscription failed, continuing without acknowledgements", "topic", a.replyTopic, "error", err)
	}
	return sess, nil
}

func (a *App) startHTTP(errCh chan<- error) (*http.Server, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.HTTPPort))
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	return srv, nil
}

// handleEvent runs on the MQTT client's goroutines, so it only hands records off.
func (a *App) handleEvent(ev session.Event) {
	if ev.Kind != session.EventReceived || ev.Topic != a.replyTopic {
		return
	}

	reply, err := telemetry.DecodeReply(ev.Payload)
	if err != nil {
		a.logger.Warn("reply decode failed", "topic", ev.Topic, "error", err)
		a.enqueue(model.DecodeError{
			Topic:   ev.Topic,
			Payload: truncateString(string(ev.Payload), maxStoredBody),
			Error:   err.Error(),
		})
		return
	}

	acksReceived.WithLabelValues(strconv.Itoa(reply.Code)).Inc()
	a.enqueue(model.AckRecord{
		BootID:     a.bootID,
		Topic:      ev.Topic,
		PayloadID:  reply.ID,
		Code:       reply.Code,
		Message:    reply.Message,
		ReceivedAt: time.Now().UTC(),
	})
}

func (a *App) recordTransition(state lifecycle.State, detail string) {
	a.enqueue(model.LifecycleEvent{
		BootID:    a.bootID,
		State:     state.String(),
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func (a *App) enqueue(rec any) {
	if a.journal == nil {
		return
	}
	select {
	case a.records <- rec:
	default:
		a.logger.Warn("journal queue full, dropping record", "type", fmt.Sprintf("%T", rec))
	}
}

func (a *App) drainRecords(ctx context.Context) {
	for {
		select {
		case rec := <-a.records:
			a.persist(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.records:
					a.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *App) persist(rec any) {
	if a.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	var err error
	switch r := rec.(type) {
	case model.LifecycleEvent:
		err = a.journal.InsertLifecycleEvent(ctx, r)
	case model.AckRecord:
		err = a.journal.InsertAck(ctx, r)
	case model.DecodeError:
		err = a.journal.InsertDecodeError(ctx, r)
	}
	if err != nil {
		a.logger.Error("failed to persist journal record", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/banchen21/esp32c3-oled/internal/credential"
	"github.com/banchen21/esp32c3-oled/internal/model"
	"github.com/banchen21/esp32c3-oled/internal/mqttbroker"
	"github.com/banchen21/esp32c3-oled/internal/telemetry"
)

var testKey = []byte("product-secret")

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startBroker(t *testing.T) string {
	t.Helper()
	b := mqttbroker.New(discardLogger())
	b.SetAuthenticator(mqttbroker.KeyAuthenticator(testKey))
	b.SetSubscribeFilter(mqttbroker.OwnTopicsOnly())
	b.SetPublishHandler(mqttbroker.PropertyAcker(b, discardLogger(), nil))
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return "tcp://" + b.Addr().String()
}

func testConfig(url, clientID string, key []byte) Config {
	return Config{
		BrokerURL:  url,
		ClientID:   clientID,
		Credential: credential.Derive(key, clientID, "prod1"),
		KeepAlive:  60 * time.Second,
		Timeout:    5 * time.Second,
	}
}

func TestBrokerURL(t *testing.T) {
	cases := []struct {
		host string
		port int
		want string
	}{
		{"localhost", 1883, "tcp://localhost:1883"},
		{"broker.example.com:8883", 1883, "tcp://broker.example.com:8883"},
		{"mqtt://broker:1884", 1883, "tcp://broker:1884"},
		{"mqtts://broker:8883", 1883, "ssl://broker:8883"},
		{"ssl://broker:8883", 1883, "ssl://broker:8883"},
		{"::1", 1883, "tcp://[::1]:1883"},
	}
	for _, tc := range cases {
		if got := BrokerURL(tc.host, tc.port); got != tc.want {
			t.Errorf("BrokerURL(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestPublishReceivesAck(t *testing.T) {
	is := is.New(t)
	url := startBroker(t)

	events := make(chan Event, 8)
	s, err := Open(context.Background(), testConfig(url, "dev1", testKey), discardLogger(), func(ev Event) {
		if ev.Kind == EventReceived {
			events <- ev
		}
	})
	is.NoErr(err)
	t.Cleanup(s.Close)
	is.True(s.Connected())

	is.NoErr(s.Subscribe(telemetry.ReplyTopic("dev1", "prod1")))

	post, err := telemetry.EncodePayload(telemetry.BuildPayload("dev1", model.Sample{
		TemperatureCelsius:      21.5,
		RelativeHumidityPercent: 55.2,
		TakenAt:                 time.UnixMilli(1700000000000),
	}))
	is.NoErr(err)
	is.NoErr(s.Publish(telemetry.PostTopic("dev1", "prod1"), post))

	select {
	case ev := <-events:
		is.Equal(ev.Topic, telemetry.ReplyTopic("dev1", "prod1"))
		reply, err := telemetry.DecodeReply(ev.Payload)
		is.NoErr(err)
		is.Equal(reply.Code, 200)
		is.Equal(reply.ID, "dev1-1700000000000")
	case <-time.After(5 * time.Second):
		t.Fatal("no acknowledgement received")
	}
}

func TestOpenRejectsBadCredential(t *testing.T) {
	url := startBroker(t)

	_, err := Open(context.Background(), testConfig(url, "dev1", []byte("wrong")), discardLogger(), nil)
	if err == nil {
		t.Fatal("Open() succeeded with a bad credential")
	}
}

func TestRefusedSubscriptionKeepsSessionUsable(t *testing.T) {
	url := startBroker(t)

	s, err := Open(context.Background(), testConfig(url, "dev1", testKey), discardLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)

	err = s.Subscribe(telemetry.ReplyTopic("dev2", "prod1"))
	if !errors.Is(err, ErrSubscriptionRefused) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscriptionRefused", err)
	}
	if err := s.Publish(telemetry.PostTopic("dev1", "prod1"), []byte(`{}`)); err != nil {
		t.Fatalf("Publish() after refused subscription error = %v", err)
	}
}

func TestOpenHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig("tcp://127.0.0.1:1", "dev1", testKey)
	if _, err := Open(ctx, cfg, discardLogger(), nil); err == nil {
		t.Fatal("Open() succeeded with cancelled context")
	}
}

func TestChain(t *testing.T) {
	var got []EventKind
	h := Chain(
		func(ev Event) { got = append(got, ev.Kind) },
		nil,
		func(ev Event) { got = append(got, ev.Kind) },
	)
	h(Event{Kind: EventError})
	if len(got) != 2 || got[0] != EventError {
		t.Fatalf("Chain delivered %v", got)
	}
}

func TestLogEventsLevels(t *testing.T) {
	cases := []struct {
		name  string
		ev    Event
		level string
		msg   string
	}{
		{"received", Event{Kind: EventReceived, Topic: "/sys/a/b/thing/property/post_reply", Payload: []byte(`{"code":200}`)}, "level=INFO", "mqtt message received"},
		{"error", Event{Kind: EventError, Err: errors.New("connection lost")}, "level=WARN", "mqtt error event"},
		{"connected", Event{Kind: EventConnected}, "level=INFO", "mqtt event"},
		{"disconnected", Event{Kind: EventDisconnected}, "level=INFO", "mqtt event"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			LogEvents(logger)(tc.ev)

			out := buf.String()
			if strings.Count(out, "\n") != 1 {
				t.Fatalf("logged %q, want one line", out)
			}
			if !strings.Contains(out, tc.level) || !strings.Contains(out, tc.msg) {
				t.Errorf("logged %q, want %s %q", out, tc.level, tc.msg)
			}
		})
	}
}

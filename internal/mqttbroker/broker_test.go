package mqttbroker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/banchen21/esp32c3-oled/internal/credential"
	"github.com/banchen21/esp32c3-oled/internal/model"
	"github.com/banchen21/esp32c3-oled/internal/telemetry"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(discardLogger())
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func mqttString(s string) []byte {
	return append([]byte{byte(len(s) >> 8), byte(len(s))}, s...)
}

func packet(header byte, body []byte) []byte {
	out := append([]byte{header}, encodeRemainingLength(len(body))...)
	return append(out, body...)
}

func connectPacket(clientID, username, password string) []byte {
	var body []byte
	body = append(body, mqttString("MQTT")...)
	body = append(body, protocolLevelMQTT311, connectFlagClean|connectFlagUsername|connectFlagPassword, 0x00, 0x3C)
	body = append(body, mqttString(clientID)...)
	body = append(body, mqttString(username)...)
	body = append(body, mqttString(password)...)
	return packet(0x10, body)
}

func subscribePacket(id uint16, topic string, qos byte) []byte {
	body := []byte{byte(id >> 8), byte(id)}
	body = append(body, mqttString(topic)...)
	body = append(body, qos)
	return packet(0x82, body)
}

type rawClient struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, b *Broker) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", b.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawClient{conn: conn, rd: bufio.NewReader(conn)}
}

func (c *rawClient) send(t *testing.T, p []byte) {
	t.Helper()
	if _, err := c.conn.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *rawClient) read(t *testing.T) (byte, []byte) {
	t.Helper()
	header, err := c.rd.ReadByte()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	n, err := readVarInt(c.rd)
	if err != nil {
		t.Fatalf("read length: %v", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rd, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return header, body
}

func TestEncodeRemainingLength(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, tc := range cases {
		got := encodeRemainingLength(tc.n)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("encodeRemainingLength(%d) = % x, want % x", tc.n, got, tc.want)
		}
		back, err := readVarInt(bufio.NewReader(bytes.NewReader(got)))
		if err != nil || back != tc.n {
			t.Errorf("readVarInt(% x) = %d, %v; want %d", got, back, err, tc.n)
		}
	}
}

func TestConnectWithValidCredential(t *testing.T) {
	key := []byte("product-secret")
	b := startBroker(t)
	b.SetAuthenticator(KeyAuthenticator(key))

	c := dial(t, b)
	cred := credential.Derive(key, "dev1", "prod1")
	c.send(t, connectPacket("dev1", cred.Username, cred.Password))

	header, body := c.read(t)
	if header != 0x20 || !bytes.Equal(body, []byte{0x00, connAccepted}) {
		t.Fatalf("connack = %02x % x, want accepted", header, body)
	}
}

func TestConnectRejectsBadCredential(t *testing.T) {
	cases := map[string]struct {
		clientID string
		cred     credential.Credential
	}{
		"wrong key":        {"dev1", credential.Derive([]byte("other"), "dev1", "prod1")},
		"foreign username": {"dev2", credential.Derive([]byte("product-secret"), "dev1", "prod1")},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := startBroker(t)
			b.SetAuthenticator(KeyAuthenticator([]byte("product-secret")))

			c := dial(t, b)
			c.send(t, connectPacket(tc.clientID, tc.cred.Username, tc.cred.Password))

			header, body := c.read(t)
			if header != 0x20 || !bytes.Equal(body, []byte{0x00, connBadCredentials}) {
				t.Fatalf("connack = %02x % x, want bad credentials", header, body)
			}
		})
	}
}

func TestSubscribeGrantsOrRefuses(t *testing.T) {
	b := startBroker(t)
	b.SetSubscribeFilter(OwnTopicsOnly())

	c := dial(t, b)
	c.send(t, connectPacket("dev1", "dev1&prod1", "x"))
	c.read(t)

	c.send(t, subscribePacket(7, telemetry.ReplyTopic("dev1", "prod1"), 1))
	header, body := c.read(t)
	if header != 0x90 || !bytes.Equal(body, []byte{0x00, 0x07, 0x00}) {
		t.Fatalf("suback = %02x % x, want granted qos 0", header, body)
	}

	c.send(t, subscribePacket(8, telemetry.ReplyTopic("dev2", "prod1"), 1))
	header, body = c.read(t)
	if header != 0x90 || !bytes.Equal(body, []byte{0x00, 0x08, subackFailure}) {
		t.Fatalf("suback = %02x % x, want failure", header, body)
	}
}

func TestPropertyAckerRepliesOnReplyTopic(t *testing.T) {
	b := startBroker(t)
	received := make(chan PublishMessage, 1)
	b.SetPublishHandler(PropertyAcker(b, discardLogger(), func(_ context.Context, msg PublishMessage) {
		received <- msg
	}))

	c := dial(t, b)
	c.send(t, connectPacket("dev1", "dev1&prod1", "x"))
	c.read(t)
	c.send(t, subscribePacket(1, telemetry.ReplyTopic("dev1", "prod1"), 1))
	c.read(t)

	post, err := telemetry.EncodePayload(telemetry.BuildPayload("dev1", model.Sample{
		TemperatureCelsius:      21.5,
		RelativeHumidityPercent: 55.2,
		TakenAt:                 time.UnixMilli(1700000000000),
	}))
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	c.send(t, buildPublishPacketOrFail(t, telemetry.PostTopic("dev1", "prod1"), post))

	header, body := c.read(t)
	if header>>4 != 3 {
		t.Fatalf("expected PUBLISH, got header %02x", header)
	}
	rd := bytesReader(body)
	topic, err := rd.readString()
	if err != nil {
		t.Fatalf("read topic: %v", err)
	}
	if topic != telemetry.ReplyTopic("dev1", "prod1") {
		t.Fatalf("reply topic = %q", topic)
	}

	var reply model.Reply
	if err := json.Unmarshal(rd.readBytes(rd.remaining()), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Code != replyCodeOK || reply.ID != "dev1-1700000000000" {
		t.Fatalf("reply = %+v", reply)
	}

	select {
	case msg := <-received:
		if msg.ClientID != "dev1" || msg.Username != "dev1&prod1" {
			t.Errorf("handler saw %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("publish handler not invoked")
	}
}

func buildPublishPacketOrFail(t *testing.T, topic string, payload []byte) []byte {
	t.Helper()
	p, err := buildPublishPacket(topic, payload)
	if err != nil {
		t.Fatalf("buildPublishPacket() error = %v", err)
	}
	return p
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"/sys/dev1/prod1/thing/property/post", "/sys/dev1/prod1/thing/property/post", true},
		{"/sys/+/+/thing/property/post", "/sys/dev1/prod1/thing/property/post", true},
		{"/sys/+/+/thing/property/post", "/sys/dev1/prod1/thing/property/post_reply", false},
		{"/sys/#", "/sys/dev1/prod1/thing/property/post", true},
		{"sport/#", "sport", true},
		{"sport/+", "sport", false},
		{"#", "/sys/a", true},
		{"a/b", "a/b/c", false},
	}
	for _, tc := range cases {
		if got := topicMatches(tc.filter, tc.topic); got != tc.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestValidFilter(t *testing.T) {
	valid := []string{"a/b", "/sys/+/+/thing/property/post", "#", "a/#", "+"}
	invalid := []string{"", "a/#/b", "a+/b", "a/b#"}
	for _, f := range valid {
		if !validFilter(f) {
			t.Errorf("validFilter(%q) = false", f)
		}
	}
	for _, f := range invalid {
		if validFilter(f) {
			t.Errorf("validFilter(%q) = true", f)
		}
	}
}

func TestWildcardSubscriberReceivesPosts(t *testing.T) {
	b := startBroker(t)

	monitor := dial(t, b)
	monitor.send(t, connectPacket("monitor", "monitor&ops", "x"))
	monitor.read(t)
	monitor.send(t, subscribePacket(3, "/sys/+/+/thing/property/post", 0))
	if header, body := monitor.read(t); header != 0x90 || !bytes.Equal(body, []byte{0x00, 0x03, 0x00}) {
		t.Fatalf("suback = %02x % x", header, body)
	}

	dev := dial(t, b)
	dev.send(t, connectPacket("dev1", "dev1&prod1", "x"))
	dev.read(t)
	dev.send(t, buildPublishPacketOrFail(t, telemetry.PostTopic("dev1", "prod1"), []byte(`{}`)))

	header, body := monitor.read(t)
	if header>>4 != packetPublish {
		t.Fatalf("expected PUBLISH, got header %02x", header)
	}
	rd := bytesReader(body)
	topic, err := rd.readString()
	if err != nil || topic != telemetry.PostTopic("dev1", "prod1") {
		t.Fatalf("topic = %q, %v", topic, err)
	}
}

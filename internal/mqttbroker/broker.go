package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotAuthorized is returned when the authenticator rejects a CONNECT.
var ErrNotAuthorized = errors.New("client not authorized")

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Username string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// Authenticator decides whether a CONNECT is accepted.
type Authenticator func(clientID, username, password string) bool

// SubscribeFilter decides whether a client may subscribe to a topic. Refused topics
// are answered with a 0x80 return code in the SUBACK.
type SubscribeFilter func(clientID, topic string) bool

type clientSession struct {
	conn          net.Conn
	reader        *bufio.Reader
	writeMu       sync.Mutex
	subMu         sync.RWMutex
	subscriptions map[string]struct{}
	clientID      string
	username      string
	closed        atomic.Bool
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

// subscribed reports whether any of the session's filters matches topic.
func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[topic] = struct{}{}
}

func (c *clientSession) removeSubscription(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, topic)
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a minimal MQTT v3.1.1 broker. Publishes are QoS 0; subscriptions of any
// requested QoS are granted at QoS 0.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	auth         atomic.Value // stores Authenticator
	subFilter    atomic.Value // stores SubscribeFilter
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	b.auth.Store(Authenticator(func(string, string, string) bool { return true }))
	b.subFilter.Store(SubscribeFilter(func(string, string) bool { return true }))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// SetAuthenticator installs the CONNECT credential check. A nil value accepts everyone.
func (b *Broker) SetAuthenticator(a Authenticator) {
	if a == nil {
		a = func(string, string, string) bool { return true }
	}
	b.auth.Store(a)
}

// SetSubscribeFilter installs the per-topic subscription check. A nil value allows all.
func (b *Broker) SetSubscribeFilter(f SubscribeFilter) {
	if f == nil {
		f = func(string, string) bool { return true }
	}
	b.subFilter.Store(f)
}

// Publish sends a QoS 0 message to all clients with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.deliver(topic, payload, nil)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4

		switch packetType {
		case packetConnect:
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = session.clientID
			msg.Username = session.username
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			_ = b.deliver(msg.Topic, msg.Payload, session)
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.writeUnsubAck(session, payload); err != nil {
				b.logger.Debug("write unsuback error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket(buildPacket(packetPingResp)); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != protocolLevelMQTT311 {
		_ = session.writePacket(buildConnAck(connBadProtocol))
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return fmt.Errorf("reserved connect flag set")
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	if flags&connectFlagWill != 0 {
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read will message: %w", err)
		}
	} else if flags&(connectFlagWillRetain|0x18) != 0 {
		return fmt.Errorf("will flags set without will %08b", flags)
	}

	var username, password string
	if flags&connectFlagUsername != 0 {
		if username, err = rd.readString(); err != nil {
			return fmt.Errorf("read username: %w", err)
		}
	}
	if flags&connectFlagPassword != 0 {
		if password, err = rd.readString(); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}
	session.username = username

	if auth, ok := b.auth.Load().(Authenticator); ok && !auth(clientID, username, password) {
		code := connNotAuthorized
		if flags&connectFlagUsername != 0 {
			code = connBadCredentials
		}
		_ = session.writePacket(buildConnAck(code))
		b.logger.Warn("mqtt connect rejected", "client", clientID, "username", username)
		return ErrNotAuthorized
	}

	if err := session.writePacket(buildConnAck(connAccepted)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Info("mqtt client connected", "client", clientID, "username", username, "clean", flags&connectFlagClean != 0)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	filter, _ := b.subFilter.Load().(SubscribeFilter)

	codes := make([]byte, 0, 1)
	for rd.remaining() > 0 {
		topic, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos > 2 {
			return fmt.Errorf("invalid qos %d", qos)
		}
		if !validFilter(topic) {
			b.logger.Warn("mqtt invalid topic filter", "client", session.clientID, "topic", topic)
			codes = append(codes, subackFailure)
			continue
		}
		if filter != nil && !filter(session.clientID, topic) {
			b.logger.Warn("mqtt subscription refused", "client", session.clientID, "topic", topic)
			codes = append(codes, subackFailure)
			continue
		}
		session.addSubscription(topic)
		codes = append(codes, 0x00)
	}

	packet, err := buildSubAck(packetID, codes)
	if err != nil {
		return err
	}
	return session.writePacket(packet)
}

func (b *Broker) writeUnsubAck(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		topic, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		session.removeSubscription(topic)
	}

	return session.writePacket(buildPacket(packetUnsubAck, uint16Bytes(packetID)))
}

func (b *Broker) deliver(topic string, payload []byte, exclude *clientSession) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.subscribed(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("deliver publish failed", "client", session.clientID, "topic", topic, "error", err)
		}
	}
	return nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}

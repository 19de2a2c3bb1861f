package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Control packet types (high nibble of the fixed header).
const (
	packetConnect     byte = 1
	packetConnAck     byte = 2
	packetPublish     byte = 3
	packetSubscribe   byte = 8
	packetSubAck      byte = 9
	packetUnsubscribe byte = 10
	packetUnsubAck    byte = 11
	packetPingReq     byte = 12
	packetPingResp    byte = 13
	packetDisconnect  byte = 14
)

// CONNACK return codes and CONNECT flags.
const (
	connAccepted          byte = 0x00
	connBadProtocol       byte = 0x01
	connBadCredentials    byte = 0x04
	connNotAuthorized     byte = 0x05
	subackFailure         byte = 0x80
	protocolLevelMQTT311  byte = 4
	connectFlagClean      byte = 1 << 1
	connectFlagWill       byte = 1 << 2
	connectFlagWillRetain byte = 1 << 5
	connectFlagPassword   byte = 1 << 6
	connectFlagUsername   byte = 1 << 7
)

const maxRemainingLength = 268435455

// buildPacket frames body parts behind a fixed header of the given type with zero flags.
func buildPacket(kind byte, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	length := encodeRemainingLength(n)
	packet := make([]byte, 0, 1+len(length)+n)
	packet = append(packet, kind<<4)
	packet = append(packet, length...)
	for _, p := range parts {
		packet = append(packet, p...)
	}
	return packet
}

func uint16Bytes(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func encodeString(s string) []byte {
	return append(uint16Bytes(uint16(len(s))), s...)
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if strings.ContainsAny(topic, "+#") {
		return PublishMessage{}, fmt.Errorf("wildcard in publish topic %q", topic)
	}

	msg := PublishMessage{Topic: topic}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	if 2+len(topic)+len(payload) > maxRemainingLength {
		return nil, fmt.Errorf("payload too large")
	}
	return buildPacket(packetPublish, encodeString(topic), payload), nil
}

func buildSubAck(packetID uint16, codes []byte) ([]byte, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	return buildPacket(packetSubAck, uint16Bytes(packetID), codes), nil
}

func buildConnAck(code byte) []byte {
	return buildPacket(packetConnAck, []byte{0x00, code})
}

// topicMatches applies MQTT 3.1.1 filter matching: "+" matches one level, a trailing
// "#" matches the parent and every level below it.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// validFilter rejects wildcards that are not a whole level and "#" anywhere but last.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}

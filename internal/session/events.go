package session

import (
	"log/slog"
)

// EventKind distinguishes inbound broker events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventReceived
	EventError
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReceived:
		return "received"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is an inbound notification from the broker connection.
type Event struct {
	Kind      EventKind
	Topic     string
	Payload   []byte
	MessageID uint16
	QoS       byte
	Retained  bool
	Duplicate bool
	Err       error
}

// EventHandler receives events on the connection's own goroutines. It must not block.
type EventHandler func(Event)

// LogEvents returns a handler that logs received messages and unclassified events at
// info level and error events as warnings. None of them change session state.
func LogEvents(logger *slog.Logger) EventHandler {
	return func(ev Event) {
		switch ev.Kind {
		case EventReceived:
			logger.Info("mqtt message received",
				"topic", ev.Topic,
				"payload", string(ev.Payload),
				"message_id", ev.MessageID,
				"qos", ev.QoS,
				"retained", ev.Retained,
				"duplicate", ev.Duplicate,
			)
		case EventError:
			logger.Warn("mqtt error event", "error", ev.Err)
		default:
			logger.Info("mqtt event", "kind", ev.Kind, "detail", ev.Topic)
		}
	}
}

// Chain calls each handler in order.
func Chain(handlers ...EventHandler) EventHandler {
	return func(ev Event) {
		for _, h := range handlers {
			if h != nil {
				h(ev)
			}
		}
	}
}

package model

import "time"

// PayloadVersion is the fixed protocol version carried by every property post.
const PayloadVersion = "1.0"

// Metric names used in the params object of a property post.
const (
	MetricTemperature = "CurrentTemperature"
	MetricHumidity    = "CurrentHumidity"
)

// Sample is a single temperature/humidity measurement stamped with wall-clock time.
type Sample struct {
	TemperatureCelsius      float64   `json:"temperature_c"`
	RelativeHumidityPercent float64   `json:"humidity_pct"`
	TakenAt                 time.Time `json:"taken_at"`
}

// Parameter is one metric value with its own millisecond timestamp.
type Parameter struct {
	Value float64 `json:"value"`
	Time  int64   `json:"time"`
}

// Sys carries the protocol flags of a property post.
type Sys struct {
	Ack bool `json:"ack"`
}

// Payload is the property post published to the broker.
type Payload struct {
	ID      string               `json:"id"`
	Version string               `json:"version"`
	Sys     Sys                  `json:"sys"`
	Params  map[string]Parameter `json:"params"`
}

// Reply is the acknowledgement the broker sends on the post_reply topic.
type Reply struct {
	ID      string         `json:"id"`
	Code    int            `json:"code"`
	Message string         `json:"message,omitempty"`
	Method  string         `json:"method,omitempty"`
	Version string         `json:"version,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// LifecycleEvent is a persisted connectivity state transition.
type LifecycleEvent struct {
	BootID    string    `json:"boot_id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AckRecord is a persisted acknowledgement received from the broker.
type AckRecord struct {
	BootID     string    `json:"boot_id"`
	Topic      string    `json:"topic"`
	PayloadID  string    `json:"payload_id"`
	Code       int       `json:"code"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// DecodeError captures an inbound payload that could not be decoded.
type DecodeError struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}

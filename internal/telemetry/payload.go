package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/banchen21/esp32c3-oled/internal/model"
)

// BuildPayload converts one sample into a property post for deviceID. Both metrics
// carry the sample timestamp in epoch milliseconds.
func BuildPayload(deviceID string, s model.Sample) model.Payload {
	ts := s.TakenAt.UnixMilli()
	return model.Payload{
		ID:      deviceID + "-" + strconv.FormatInt(ts, 10),
		Version: model.PayloadVersion,
		Sys:     model.Sys{Ack: true},
		Params: map[string]model.Parameter{
			model.MetricTemperature: {Value: s.TemperatureCelsius, Time: ts},
			model.MetricHumidity:    {Value: s.RelativeHumidityPercent, Time: ts},
		},
	}
}

// EncodePayload serializes p to its wire form. Map keys are emitted sorted, so the
// output is stable for a given payload.
func EncodePayload(p model.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodeReply parses an acknowledgement received on the reply topic.
func DecodeReply(data []byte) (model.Reply, error) {
	var r model.Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return model.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_samples_published_total",
		Help: "Samples successfully handed to the broker.",
	})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_publish_failures_total",
		Help: "Publish calls that returned an error.",
	})
	sensorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_sensor_failures_total",
		Help: "Sensor driver failures by stage.",
	}, []string{"stage"})
	lastTemperature = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_temperature_celsius",
		Help: "Most recent temperature reading.",
	})
	lastHumidity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_relative_humidity_percent",
		Help: "Most recent relative humidity reading.",
	})
	publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_publish_duration_seconds",
		Help:    "Time spent in the publish call.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(samplesPublished, publishFailures, sensorFailures, lastTemperature, lastHumidity, publishDuration)
}

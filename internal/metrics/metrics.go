// Package metrics emits DogStatsD counters and gauges for the proxy engine.
// All emit functions are safe to call before initialization; they become
// no-ops when no agent is configured.
package metrics

import (
	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"
)

var (
	client *statsd.Client
	logger = zap.NewNop()
)

// Init creates the DogStatsD client. An empty addr leaves metrics disabled.
func Init(addr string, log *zap.Logger) {
	logger = log
	if addr == "" {
		logger.Info("Metrics disabled, no statsd address configured")
		return
	}

	var err error
	client, err = statsd.New(addr)
	if err != nil {
		logger.Warn("Failed to create statsd client", zap.Error(err))
		client = nil
		return
	}
	client.Namespace = "thermoproxy."
	logger.Info("Metrics initialized", zap.String("addr", addr))
}

// Gauge emits a gauge metric.
func Gauge(name string, value float64, tags ...string) {
	if client == nil {
		return
	}
	if err := client.Gauge(name, value, tags, 1); err != nil {
		logger.Warn("Failed to emit gauge", zap.String("metric", name), zap.Error(err))
	}
}

// Incr emits a counter increment.
func Incr(name string, tags ...string) {
	if client == nil {
		return
	}
	if err := client.Incr(name, tags, 1); err != nil {
		logger.Warn("Failed to emit counter", zap.String("metric", name), zap.Error(err))
	}
}

// Close flushes and closes the client.
func Close() {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("Failed to close statsd client", zap.Error(err))
	}
	client = nil
}

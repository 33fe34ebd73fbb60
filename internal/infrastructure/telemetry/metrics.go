package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/lorrc/labnotify"

// Metrics groups the counters recorded by the presence, broadcast and
// notification components.
type Metrics struct {
	PresenceConnects     metric.Int64Counter
	PresenceDisconnects  metric.Int64Counter
	PresenceReaped       metric.Int64Counter
	BroadcastDelivered   metric.Int64Counter
	BroadcastDropped     metric.Int64Counter
	NotificationsCreated metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

// NewNoopMetrics returns counters that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.PresenceConnects, "presence_connects_total", "Users transitioning from offline to online"},
		{&m.PresenceDisconnects, "presence_disconnects_total", "Users removed by disconnect or force-disconnect"},
		{&m.PresenceReaped, "presence_reaped_total", "Users removed by the idle reaper"},
		{&m.BroadcastDelivered, "broadcast_delivered_total", "Messages enqueued to a subscriber"},
		{&m.BroadcastDropped, "broadcast_dropped_total", "Messages dropped by a full queue"},
		{&m.NotificationsCreated, "notifications_created_total", "Persisted notification rows"},
	}

	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}

	return &m, nil
}

// Inc adds one to the counter with an optional string attribute pair.
func Inc(ctx context.Context, c metric.Int64Counter, kv ...string) {
	c.Add(ctx, 1, metric.WithAttributes(attrs(kv)...))
}

// Add adds n to the counter with an optional string attribute pair.
func Add(ctx context.Context, c metric.Int64Counter, n int64, kv ...string) {
	if n <= 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs(kv)...))
}

func attrs(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}

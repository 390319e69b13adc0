package storage

import (
	"github.com/sgaydamakov/counters/metrics"

	"go.mongodb.org/mongo-driver/event"
)

// poolMonitor forwards a mongo.Client's connection-pool lifecycle events to
// sink. Pool events are the only observability the gateway owes per the
// engine's external interfaces: created/ready/closed/cleared,
// checkout-started/succeeded/failed, checked-in.
func poolMonitor(sink metrics.Sink, clientLabel string) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			sink.IncCounter("storage_pool_events_total", map[string]string{
				"client": clientLabel,
				"event":  string(evt.Type),
			})
		},
	}
}

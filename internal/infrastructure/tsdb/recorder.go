package tsdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/device-hub-core/internal/entity"
)

// Fanout records the candidate and delivered subscriber counts for one
// dispatched entity. The write is non-blocking; data is batched and
// sent asynchronously.
//
// Parameters:
//   - kind: The entity kind that was dispatched
//   - candidates: Subscriptions whose filters matched the entity
//   - delivered: Subscriptions that actually received it
func (c *Client) Fanout(kind entity.Kind, candidates, delivered int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"dispatch_fanout",
		map[string]string{
			"kind": string(kind),
		},
		map[string]interface{}{
			"candidates": candidates,
			"delivered":  delivered,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// QueueDrop records one entity dropped from a subscriber's full push
// queue.
//
// Parameters:
//   - kind: The entity kind that was dropped
//   - subscriberID: The subscriber whose queue was full
func (c *Client) QueueDrop(kind entity.Kind, subscriberID string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"queue_drops",
		map[string]string{
			"kind":       string(kind),
			"subscriber": subscriberID,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WaitResolved records the outcome and latency of one long-poll wait.
//
// Parameters:
//   - outcome: How the wait ended (immediate, matched, timeout, cancelled, empty)
//   - latency: Time between parking the waiter and resolution
func (c *Client) WaitResolved(outcome string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"wait_resolutions",
		map[string]string{
			"outcome": outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

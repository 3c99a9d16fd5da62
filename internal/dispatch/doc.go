// Package dispatch fans appended entities out to subscribers and
// coordinates long-poll waits.
//
// The dispatcher hangs off the entity store's append hook, so it runs
// inside the per-device ordering section: entities reach each
// subscriber in exactly the order they were committed for that device.
// Delivery work is therefore kept non-blocking. Push sinks are bounded
// queues; a full notification queue drops the entity with a warning,
// while a full command queue tears the whole connection down, since a
// silently lost command is worse than a reconnect.
//
// Access is re-evaluated against the owning principal for every
// delivered entity, so a subscription created under broader rights
// stops receiving the moment those rights lapse.
package dispatch

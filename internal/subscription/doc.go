// Package subscription implements the standing-interest registry of the
// distribution engine.
//
// A Subscription records one subscriber's interest in future commands
// or notifications, scoped at creation time to the devices its
// principal could access. The registry is sharded by subscriber so
// connection handlers mutating their own subscriptions do not contend,
// and candidate lookups copy matching entries out under a short read
// lock so producers are never blocked behind a slow consumer.
//
// The registry enforces the subscribe-time half of the access
// invariant: a subscription's device filter is always a subset of what
// the owning principal could access when it subscribed. The dispatcher
// re-checks access per delivered entity.
package subscription

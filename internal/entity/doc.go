// Package entity defines the command and notification model and its
// append-only store.
//
// Entities are the events exchanged between devices and clients: a
// Notification is reported by a device, a Command is addressed to one.
// Both are immutable once appended; the single permitted mutation, the
// addressed device updating a command's status/result, is modelled as a second,
// linked entity carrying the same ID with IsUpdate set.
//
// The store assigns per-device monotonic IDs and strictly increasing
// per-device timestamps under a per-device ordering lock, and invokes
// the dispatch hook after a successful append and before acknowledging
// the producer. That assignment is the single source of ordering truth
// for the distribution engine.
package entity

// Package device provides the device directory for Device Hub Core.
//
// The distribution engine does not own device lifecycle (registration
// and field-merge CRUD live at the edges); it needs a fast answer to
// two questions per dispatched entity: which network does this device
// belong to, and is the device known at all. The directory wraps a
// SQLite repository with an in-memory cache to answer both without a
// query per event.
//
// All public methods are thread-safe.
package device

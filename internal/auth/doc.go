// Package auth implements the permission model for Device Hub Core.
//
// A caller is resolved to a Principal (user, device, or access key) carrying
// a set of PermissionRecords. Each record is one grant scoping allowed
// actions, source IP subnets, origin domains, network IDs, and device IDs.
// A nil dimension on a record is a wildcard.
//
// Evaluation is a pure predicate: a record matches a request when every
// present dimension contains the request's corresponding value; the
// permission set as a whole grants access when any record matches.
// An empty permission set denies everything.
//
// The evaluator holds no state and requires no locking. Principals are
// immutable snapshots attached to the request context; access revocation
// takes effect when the dispatcher re-evaluates at delivery time against
// a freshly resolved principal.
package auth

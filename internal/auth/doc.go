// Package auth authenticates API callers and decides what they may do.
//
// Authentication accepts either a signed JWT (HS256) or an API key whose
// sha256 digest is stored on the user row. Both paths resolve to a Context
// carrying the caller's role and per-cluster/per-namespace grants.
//
// Authorization is a pure function over that Context: Decide never consults
// the database or the upstream cluster, so the decision for a request is
// stable for the lifetime of the Context and trivially testable.
//
// # Roles
//
//   - admin: everything, including cluster registry writes.
//   - operator: read and mutate workloads everywhere; no registry writes.
//   - user: read everywhere; mutate only where a grant says manage or above.
//   - viewer: read only inside explicitly granted clusters.
package auth

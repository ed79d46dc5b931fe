// Package dnswalk explores, starting from one or more DNS root servers,
// every distinct delegation path by which a recursive resolver could arrive
// at an authoritative answer for a query. It does not resolve a single
// answer the way a caching resolver would; instead it builds the full
// referral tree reachable from the roots and rolls per-server-IP response
// classifications up into a probability distribution over outcomes
// (answer, NODATA, NXDOMAIN, timeout, lame delegation, loop, ...).
//
// The package is organized around five collaborators: message utilities
// (pure functions over a decoded dns.Msg), DecodedResponse (one
// send/receive attempt against one server IP), ResponseCache
// (bailiwick-scoped memoization), Referral (one node of the traversal
// tree) and Traverser (the top-level driver). Configuration loading, CLI
// wiring and logging live outside this package, in internal/config,
// internal/observer and cmd/dnswalk respectively, so this package stays
// usable as a library with no ambient side effects at import time.
package dnswalk

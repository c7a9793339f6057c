// Package memory implements the associative memory graph and the
// co-occurrence tracker that learns durable links between memories.
//
// The [Graph] is a typed directed graph of memory nodes connected by
// temporal, causal, associative, entity, and spatial links. Nodes are
// stored in an id-indexed map and links carry target ids only, which keeps
// serialization trivial and avoids ownership cycles.
//
// The [Tracker] watches which memories are recalled together inside a
// session window. On session end it emits one evidence observation per
// co-recalled pair and recomputes a scalar belief per pair, damped by
// observation age, source trust tier, and a per-source rate limit. Pairs
// whose belief crosses the link threshold are materialized as associative
// graph edges; pairs left unreinforced decay. Observations themselves are
// append-only and never deleted.
//
// The [Store] persists both structures as JSON under a caller root, with
// crash-safe temp-file-and-rename writes. The graph is authoritative for
// edges; the tracker is authoritative for provenance.
package memory

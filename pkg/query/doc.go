// Package query searches consolidated events through the analytic engine.
//
// # Overview
//
// Queries run against the date-partitioned columnar store via Athena's
// asynchronous protocol: submit, poll until the execution finishes, then
// page through the result set. Date partitions outside the requested
// time range are pruned by the engine through the event_date predicate.
//
// # Pagination
//
// Results are totally ordered by (event_time, uid) so pagination is
// stable across timestamp ties. The cursor returned with a full page
// encodes nothing but the ordering fields of the last row. Every page
// fetch re-executes the full query with the caller's authorization scope
// and a keyset predicate added; no server-side handle into previously
// computed results exists, so a cursor replayed by a differently
// authorized caller yields only rows that caller could query directly.
//
// # Related Packages
//
//   - pkg/api: Exposes search over HTTP
//   - pkg/consumer: Produces the files this package queries
package query

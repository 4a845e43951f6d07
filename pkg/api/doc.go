// Package api exposes the audit pipeline over HTTP.
//
// # Endpoints
//
//	POST /api/v1/events          Emit one audit event
//	POST /api/v1/events/search   Search consolidated events, paginated
//
// The caller's identity comes from the authorizer, never from request
// bodies: the emit endpoint stamps the authenticated actor onto the
// event, and the search endpoint derives the authorization scope for
// every page fetch from the request at hand, so a cursor lifted from
// another caller's session grants nothing.
package api

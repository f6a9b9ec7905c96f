// Package api serves the poflow HTTP control surface and defines its
// wire-format types.
//
// # Key Types
//
// WorkflowView and StageView: transport representation of a workflow and its
// stage records, with RFC3339 timestamps and camelCase fields.
//
// WorkflowDetail: a workflow with its stage records and persisted aggregate.
//
// QueueView: per-queue job counts with the paused flag.
//
// # Server
//
// Server mounts the routes on a chi router: workflow submission, listing,
// detail and resubmission; queue pause, resume and drain; an on-demand
// recovery sweep; health; and the Prometheus exposition.
//
// Requests under /api other than /api/health require a bearer credential when
// api.token or api.jwt_secret is configured. A static token is compared
// directly; anything else is verified as an HS256 JWT.
package api

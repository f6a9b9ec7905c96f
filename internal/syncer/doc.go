// Package syncer pushes persisted purchase orders to the commerce platform
// over HTTP.
//
// Responses are classified for the retry policy: 429 is a quota error, 5xx and
// network failures are transient, and any other 4xx is a validation error
// since resending the same order will be rejected again.
package syncer

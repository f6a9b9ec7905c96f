// Package main hosts the poflow CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon API: submitting documents, inspecting workflows
// and queues, triggering a recovery sweep, and configuration scaffolding.
// Output is a table by default, or JSON/YAML with --output.
//
// Keep this package lean: add new functionality to the internal packages and
// the API first, then surface it here.
package main

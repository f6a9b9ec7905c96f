// Package preflight provides readiness checks for the directories and
// external services poflow depends on.
//
// The daemon runs RunAll at startup and logs every failed check; the CLI
// "config validate" command prints the same results. Each check is gated by
// its config toggle, so disabled collaborators are skipped.
package preflight

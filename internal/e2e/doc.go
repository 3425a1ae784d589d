// Package e2e holds end-to-end tests that run the full in-process stack
// (registry, journal, orchestrator, HTTP API) against the toy runtime.
package e2e

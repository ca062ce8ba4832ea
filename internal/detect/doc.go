// Package detect runs conversation detection for one capture on a dedicated
// worker goroutine. The orchestrator talks to the worker through a pair of
// blocking channels with a strict one-response-per-command discipline, so
// heavy decode and extraction work never runs on an ingress path.
package detect

// Package capture orchestrates the lifecycle of audio captures: on-disk
// layout, chunk ingestion, per-capture detection workers, segment rotation
// for streaming sessions, and the handoff to conversation processing.
package capture

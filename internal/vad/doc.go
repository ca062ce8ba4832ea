// Package vad implements streaming voice activity detection. Audio arrives
// in arbitrarily sized sample chunks and speech segments are returned
// incrementally as they are finalized, with timestamps global to the stream.
// The per-window probability function is pluggable via the Model interface.
package vad

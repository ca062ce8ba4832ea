// Package transcription talks to an external speech-to-text API. It
// provides an offline client used by the processing pipeline and a realtime
// session used by streaming captures.
package transcription

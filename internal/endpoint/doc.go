// Package endpoint groups speech into conversations. The Detector consumes
// audio through the VAD and closes a conversation after a configurable
// stretch of silence; the StreamingEndpointer is an utterance-driven variant
// for real-time transcript streams.
package endpoint

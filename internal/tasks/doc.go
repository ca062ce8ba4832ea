// Package tasks provides the in-process background task queue. Tasks are
// enqueued by ingress handlers and drained one at a time by a single
// dispatcher goroutine, so detection and processing work is strictly
// serialized and never blocks a request path.
package tasks

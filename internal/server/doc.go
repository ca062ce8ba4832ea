// Package server holds the ingress surfaces: the fiber HTTP API for chunked
// and streaming uploads and the conversation endpoints, the websocket hub
// that pushes catalog events to connected clients, the UDP listener for
// datagram audio from constrained devices, and the monitoring listener that
// serves Prometheus metrics and health.
package server

// Package protocol implements the UDP datagram framing used by
// low-bandwidth capture devices. It handles header parsing, signaling
// payload extraction, and audio payload processing.
package protocol

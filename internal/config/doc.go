// Package config handles loading and validation of the YAML service
// configuration, covering the HTTP and UDP ingress, capture storage,
// detection parameters, transcription API access, and logging.
package config

// Package catalog persists the capture catalog: captures, their conversation
// segments, conversations, transcripts, locations, suggested links, and
// images. Storage is a single embedded SQLite database; relations are plain
// foreign keys with explicit loads.
package catalog

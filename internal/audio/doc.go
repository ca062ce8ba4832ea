// Package audio handles audio container formats and sample conversion.
// It implements WAV encoding/decoding with append-in-place header rewriting,
// raw PCM byte/sample conversion, and ADTS frame sequencing for AAC streams.
package audio

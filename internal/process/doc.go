// Package process runs the offline pipeline for completed conversations:
// transcription, summarization, link suggestion, location resolution, and
// catalog bookkeeping. Conversations move PROCESSING -> COMPLETED on
// success and -> FAILED on any error; conversations whose transcript comes
// back empty are deleted outright.
package process

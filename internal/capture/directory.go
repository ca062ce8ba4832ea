package capture

// On-disk layout of the capture directory:
//
//	{capture_dir}/
//	    {date}/
//	        {device}/
//	            {capture_ts}_{capture_uuid}.{ext}   complete capture audio
//	            {capture_ts}_{capture_uuid}/        conversation segments
//	                {conv_ts}_{conv_uuid}.{ext}
//	                {conv_ts}_{conv_uuid}_transcript.json
//	                {conv_ts}_{conv_uuid}_conversation.json
//	                images/
//	                    {ts}_{conv_uuid}.{ext}
//
// Timestamps use YYYYMMDD-HHMMSS.fff at millisecond resolution, in UTC.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auricleai/auricle/internal/catalog"
)

// Directory resolves and creates paths inside the capture storage root.
type Directory struct {
	root string
}

// NewDirectory creates a resolver rooted at the storage directory.
func NewDirectory(root string) *Directory {
	return &Directory{root: root}
}

// CaptureFilepath returns (and creates the directory for) the capture audio
// file path.
func (d *Directory) CaptureFilepath(captureUUID, format string, startTime time.Time, deviceType string) (string, error) {
	dir := filepath.Join(d.root, dateString(startTime), deviceType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create capture directory: %w", err)
	}
	filename := fmt.Sprintf("%s_%s.%s", timestampString(startTime), captureUUID, format)
	return filepath.Join(dir, filename), nil
}

// SegmentDirectory returns the per-capture directory holding conversation
// segments, alongside the capture file.
func (d *Directory) SegmentDirectory(capture *catalog.Capture) string {
	parent := filepath.Dir(capture.Filepath)
	return filepath.Join(parent, fmt.Sprintf("%s_%s", timestampString(capture.StartTime), capture.CaptureUUID))
}

// SegmentFilepath returns (and creates the directory for) the conversation
// segment file path. The extension follows the parent capture.
func (d *Directory) SegmentFilepath(capture *catalog.Capture, conversationUUID string, timestamp time.Time) (string, error) {
	format := strings.TrimPrefix(filepath.Ext(capture.Filepath), ".")
	dir := d.SegmentDirectory(capture)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create segment directory: %w", err)
	}
	filename := fmt.Sprintf("%s_%s.%s", timestampString(timestamp), conversationUUID, format)
	return filepath.Join(dir, filename), nil
}

// ImageFilepath returns (and creates the directory for) an image path inside
// the capture's segment directory.
func (d *Directory) ImageFilepath(capture *catalog.Capture, conversationUUID string, timestamp time.Time, extension string) (string, error) {
	imagesDir := filepath.Join(d.SegmentDirectory(capture), "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create images directory: %w", err)
	}
	clean := strings.TrimPrefix(extension, ".")
	filename := fmt.Sprintf("%s_%s.%s", timestampString(timestamp), conversationUUID, clean)
	return filepath.Join(imagesDir, filename), nil
}

// TranscriptFilepath returns the transcript JSON path adjacent to a segment
// file.
func TranscriptFilepath(segmentPath string) string {
	return adjacentJSON(segmentPath, "_transcript.json")
}

// ConversationFilepath returns the conversation JSON path adjacent to a
// segment file.
func ConversationFilepath(segmentPath string) string {
	return adjacentJSON(segmentPath, "_conversation.json")
}

func adjacentJSON(segmentPath, suffix string) string {
	dir := filepath.Dir(segmentPath)
	base := filepath.Base(segmentPath)
	root := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, root+suffix)
}

func dateString(t time.Time) string {
	return t.UTC().Format("20060102")
}

func timestampString(t time.Time) string {
	return t.UTC().Format("20060102-150405.000")
}

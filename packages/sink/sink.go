// Package sink writes finished capture archives to disk.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

// TimestampLayout formats the timestamp in output file names
const TimestampLayout = "20060102T150405"

// Sink persists an archive and returns where it was written
type Sink interface {
	Write(artifact *har.HAR) (string, error)
}

// Format names an output format
type Format string

const (
	FormatHAR    Format = "har"
	FormatSQLite Format = "sqlite"
)

// New returns the sink for format writing into dir
func New(format Format, dir string) (Sink, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatHAR, "":
		return &FileSink{Dir: dir}, nil
	case FormatSQLite:
		return &SQLiteSink{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (use har or sqlite)", format)
	}
}

// FileSink writes each archive as hitcapture-<timestamp>.har into Dir
type FileSink struct {
	Dir string
	// Now overrides the clock used for file names
	Now func() time.Time
}

func (s *FileSink) Write(artifact *har.HAR) (string, error) {
	path, err := outputPath(s.Dir, s.Now, ".har")
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := artifact.WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func outputPath(dir string, now func() time.Time, ext string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	name := "hitcapture-" + now().Format(TimestampLayout) + ext
	return filepath.Join(dir, name), nil
}

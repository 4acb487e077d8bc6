// Package metadata provides audio file metadata extraction.
package metadata

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"
)

// Meta holds the metadata extracted from an audio file.
type Meta struct {
	Title      string
	Artist     string
	Album      string
	DurationMs int64
}

// Extractor extracts metadata from an audio file on disk.
type Extractor interface {
	Extract(path string) (Meta, error)
}

// TagExtractor reads ID3/MP4/FLAC tags.
type TagExtractor struct{}

// NewTagExtractor creates a tag-based extractor.
func NewTagExtractor() *TagExtractor {
	return &TagExtractor{}
}

// Extract reads the file's tags. Duration is not available from tags alone
// and is reported as zero; callers treat zero as unknown.
func (e *TagExtractor) Extract(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, errors.Wrap(err, "failed to open audio file")
	}
	defer func() { _ = f.Close() }()

	m, err := tag.ReadFrom(f)
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			// untagged files are still ingestable
			return Meta{}, nil
		}
		return Meta{}, errors.Wrap(err, "failed to read tags")
	}

	return Meta{
		Title:  m.Title(),
		Artist: m.Artist(),
		Album:  m.Album(),
	}, nil
}

package models

import (
	"path"
	"strings"
	"time"
)

// OriginalFile is a raw input file, either surveyed upstream or derived locally.
type OriginalFile struct {
	ID               string    `json:"id"`
	SourceURL        string    `json:"source_url"`
	SourceFilename   string    `json:"source_filename"`
	Filename         string    `json:"filename"`
	AbsoluteFilePath string    `json:"absolute_file_path"`
	Size             int64     `json:"size_in_bytes"`
	SHA1             string    `json:"sha1"`
	IsDownloaded     bool      `json:"is_downloaded"`
	IsArchive        bool      `json:"is_archive"`
	HasRaw           bool      `json:"has_raw"`
	DerivedFromID    *string   `json:"derived_from_id,omitempty"`
	Variant          string    `json:"variant,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastModified     time.Time `json:"last_modified"`
}

// DatasetIdentifier is the species or sample prefix of the source filename's
// last path element, e.g. "Homo_sapiens" for "Homo_sapiens.GRCh38.cdna.all.fa.gz".
// Files sharing it form one download group.
func (f OriginalFile) DatasetIdentifier() string {
	name := f.BaseName()
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// BaseName is the last element of the source filename with any upstream
// directories dropped, in either slash style.
func (f OriginalFile) BaseName() string {
	name := f.SourceFilename
	if name == "" {
		name = f.Filename
	}
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" {
		return ""
	}
	return path.Base(name)
}

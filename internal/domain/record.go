package domain

import (
	"strings"
	"time"
)

const (
	RecordStatusPublished = "publish"
	RecordStatusDraft     = "draft"

	// CacheNamespaceRecords is the object-cache group an asset entry lives in.
	CacheNamespaceRecords = "posts"
	// CacheCategoryImages is the cache category bumped after every batch run.
	CacheCategoryImages = "images"
)

// CatalogRecord is a product entry as held by the record store. GalleryImageIDs
// is the raw comma-delimited list the store persists.
type CatalogRecord struct {
	ID              string
	Type            string
	Status          string
	PublishedAt     time.Time
	PrimaryImageID  string
	GalleryImageIDs string
}

// ImageAsset is a stored image with its backing file and metadata.
type ImageAsset struct {
	ID       string
	File     string
	Metadata *AttachmentMetadata
}

// AttachmentMetadata describes an asset's primary file and its renditions.
// File is relative to the uploads directory; rendition files are relative to
// the directory holding the primary file.
type AttachmentMetadata struct {
	Width     int                  `json:"width"`
	Height    int                  `json:"height"`
	File      string               `json:"file"`
	Sizes     map[string]Rendition `json:"sizes"`
	ImageMeta map[string]any       `json:"image_meta"`
}

type Rendition struct {
	File     string `json:"file"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MimeType string `json:"mime-type,omitempty"`
	FileSize int64  `json:"filesize,omitempty"`
}

// Geometry is the fixed output size every primary image is forced to.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) Matches(width, height int) bool {
	return g.Width == width && g.Height == height
}

func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

// IsImageID reports whether id references an image. The record store uses
// "0" for an unset reference.
func IsImageID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "0"
}

// SplitGallery turns a stored gallery list into ids, dropping empty entries
// and keeping the stored order.
func SplitGallery(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if !IsImageID(part) {
			continue
		}
		ids = append(ids, part)
	}
	return ids
}

// Verification is the read-back of a processed image's on-disk size.
type Verification struct {
	ImageID  string `json:"image_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Filename string `json:"filename"`
}

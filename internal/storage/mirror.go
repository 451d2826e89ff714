package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/domain"
)

// ObjectWriter is the part of Client the mirror needs.
type ObjectWriter interface {
	Upload(ctx context.Context, obj Object) error
}

// Mirror copies a normalised original and its renditions to object storage
// under <prefix>/<path relative to the uploads directory>.
type Mirror struct {
	objects ObjectWriter
	prefix  string
	log     *logrus.Entry
}

func NewMirror(objects ObjectWriter, prefix string, logger *logrus.Entry) *Mirror {
	return &Mirror{
		objects: objects,
		prefix:  strings.Trim(prefix, "/"),
		log:     logger,
	}
}

// Publish uploads every file described by meta. It keeps going after a failed
// upload and returns the joined errors.
func (m *Mirror) Publish(ctx context.Context, imageID, primaryPath string, meta domain.AttachmentMetadata) error {
	relDir := path.Dir(meta.File)
	files := []struct{ key, local string }{
		{m.ObjectKey(meta.File), primaryPath},
	}
	dir := filepath.Dir(primaryPath)
	for _, r := range meta.Sizes {
		if r.File == "" {
			continue
		}
		files = append(files, struct{ key, local string }{
			m.ObjectKey(path.Join(relDir, r.File)),
			filepath.Join(dir, filepath.Base(r.File)),
		})
	}

	seen := make(map[string]bool, len(files))
	var errs []error
	for _, f := range files {
		if seen[f.key] {
			continue
		}
		seen[f.key] = true
		if _, err := os.Stat(f.local); err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", f.local, err))
			continue
		}
		err := m.objects.Upload(ctx, Object{
			Key:         f.key,
			Path:        f.local,
			ContentType: contentType(f.local),
			ImageID:     imageID,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
	}

	m.log.WithFields(logrus.Fields{
		"image_id": imageID,
		"objects":  len(seen),
		"failed":   len(errs),
	}).Debug("mirrored image")
	return errors.Join(errs...)
}

func (m *Mirror) ObjectKey(rel string) string {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if m.prefix == "" {
		return rel
	}
	return m.prefix + "/" + rel
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

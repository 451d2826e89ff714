package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
)

type putCall struct {
	key, path, contentType, imageID string
}

type fakeObjects struct {
	calls []putCall
	fail  map[string]bool
}

func (f *fakeObjects) Upload(_ context.Context, obj Object) error {
	if f.fail[obj.Key] {
		return errors.New("upload refused")
	}
	f.calls = append(f.calls, putCall{key: obj.Key, path: obj.Path, contentType: obj.ContentType, imageID: obj.ImageID})
	return nil
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestMirrorPublishesOriginalAndRenditions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "2025", "04")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"shoe.jpg", "shoe-150x150.jpg", "shoe-300x273.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	objects := &fakeObjects{}
	m := NewMirror(objects, "/media/", quietLogger())
	meta := domain.AttachmentMetadata{
		Width: 550, Height: 500, File: "2025/04/shoe.jpg",
		Sizes: map[string]domain.Rendition{
			"thumbnail": {File: "shoe-150x150.jpg"},
			"square":    {File: "shoe-150x150.jpg"},
			"medium":    {File: "shoe-300x273.jpg"},
		},
	}

	require.NoError(t, m.Publish(context.Background(), "9", filepath.Join(dir, "shoe.jpg"), meta))

	keys := make([]string, 0, len(objects.calls))
	for _, c := range objects.calls {
		keys = append(keys, c.key)
		assert.Equal(t, "image/jpeg", c.contentType)
		assert.Equal(t, "9", c.imageID)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"media/2025/04/shoe-150x150.jpg",
		"media/2025/04/shoe-300x273.jpg",
		"media/2025/04/shoe.jpg",
	}, keys)
}

func TestMirrorReportsFailuresAndContinues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-10x10.png"), []byte("x"), 0o644))

	objects := &fakeObjects{fail: map[string]bool{"a.png": true}}
	m := NewMirror(objects, "", quietLogger())
	meta := domain.AttachmentMetadata{
		File: "a.png",
		Sizes: map[string]domain.Rendition{
			"tiny":    {File: "a-10x10.png"},
			"missing": {File: "a-20x20.png"},
		},
	}

	err := m.Publish(context.Background(), "1", filepath.Join(dir, "a.png"), meta)
	require.Error(t, err)
	require.Len(t, objects.calls, 1)
	assert.Equal(t, "a-10x10.png", objects.calls[0].key)
	assert.Equal(t, "image/png", objects.calls[0].contentType)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "uploads/x/y.jpg", NewMirror(nil, "uploads", quietLogger()).ObjectKey("/x/y.jpg"))
	assert.Equal(t, "x/y.jpg", NewMirror(nil, "", quietLogger()).ObjectKey("x/y.jpg"))
}

func TestNewClientRequiresBucketAndEndpoint(t *testing.T) {
	_, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	_, err = NewClient(config.StorageConfig{Bucket: "media"})
	assert.Error(t, err)

	c, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000", Bucket: "media"})
	require.NoError(t, err)
	assert.Equal(t, "media", c.Bucket())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 550, cfg.Catalog.TargetWidth)
	assert.Equal(t, 500, cfg.Catalog.TargetHeight)
	assert.Equal(t, "product", cfg.Catalog.RecordType)
	assert.GreaterOrEqual(t, cfg.Catalog.Concurrency, 1)
	assert.Equal(t, "postgres", cfg.Settings.Backend)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CATALOGFIT_TARGET_WIDTH", "640")
	t.Setenv("CATALOGFIT_CONCURRENCY", "not-a-number")
	t.Setenv("CATALOGFIT_BATCH_TIMEOUT", "90s")
	t.Setenv("CATALOGFIT_SETTINGS_BACKEND", "Badger")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()

	assert.Equal(t, 640, cfg.Catalog.TargetWidth)
	assert.GreaterOrEqual(t, cfg.Catalog.Concurrency, 1)
	assert.Equal(t, 90*time.Second, cfg.Catalog.BatchTimeout)
	assert.Equal(t, "badger", cfg.Settings.Backend)
	assert.True(t, cfg.Storage.UseSSL)
}

func TestLoadRenditionSizesDefaults(t *testing.T) {
	sizes, err := LoadRenditionSizes("", 550, 500)
	require.NoError(t, err)

	var found bool
	for _, s := range sizes {
		if s.Name == "catalog_thumbnail" {
			found = true
			assert.Equal(t, 550, s.Width)
			assert.Equal(t, 500, s.Height)
			assert.True(t, s.Crop)
		}
	}
	assert.True(t, found, "expected catalog_thumbnail in default sizes")
}

func TestLoadRenditionSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renditions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sizes:
  - name: thumb
    width: 120
    height: 120
    crop: true
  - name: wide
    width: 900
`), 0o644))

	sizes, err := LoadRenditionSizes(path, 550, 500)
	require.NoError(t, err)
	require.Len(t, sizes, 2)
	assert.Equal(t, RenditionSize{Name: "thumb", Width: 120, Height: 120, Crop: true}, sizes[0])
	assert.Equal(t, 900, sizes[1].Width)
}

func TestLoadRenditionSizesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":  "sizes:\n  - width: 10\n",
		"no dimensions": "sizes:\n  - name: x\n",
		"crop one axis": "sizes:\n  - name: x\n    width: 10\n    crop: true\n",
		"duplicate":     "sizes:\n  - name: x\n    width: 10\n  - name: x\n    width: 20\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "renditions.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadRenditionSizes(path, 550, 500)
			assert.Error(t, err)
		})
	}
}

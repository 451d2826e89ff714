package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

const (
	WatermarkKey = "catalogfit_last_resize_timestamp"

	SingleImageWidthKey    = "catalogfit_single_image_width"
	ThumbnailImageWidthKey = "catalogfit_thumbnail_image_width"
	ThumbnailCroppingKey   = "catalogfit_thumbnail_cropping"
	CustomCropWidthKey     = "catalogfit_thumbnail_cropping_custom_width"
	CustomCropHeightKey    = "catalogfit_thumbnail_cropping_custom_height"
)

// Watermark persists the incremental boundary in the settings store.
type Watermark struct {
	settings store.SettingsStore
}

func NewWatermark(settings store.SettingsStore) Watermark {
	return Watermark{settings: settings}
}

// Load returns the stored watermark, or the zero time when none is stored.
func (w Watermark) Load(ctx context.Context) (time.Time, error) {
	raw, err := w.settings.Get(ctx, WatermarkKey, "")
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return parseWatermark(raw)
}

// Advance stores the later of the current watermark and now, and returns the
// stored value. An unreadable previous value is replaced.
func (w Watermark) Advance(ctx context.Context, now time.Time) (time.Time, error) {
	next := now.UTC()
	if prev, err := w.Load(ctx); err == nil && prev.After(next) {
		next = prev
	}
	if err := w.settings.Set(ctx, WatermarkKey, next.Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, fmt.Errorf("write watermark: %w", err)
	}
	return next, nil
}

// parseWatermark accepts RFC 3339 timestamps and legacy unix seconds.
func parseWatermark(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised watermark value %q", raw)
}

// BootstrapGeometry writes the target geometry into the settings store so the
// storefront renders catalog images at the same size.
func BootstrapGeometry(ctx context.Context, settings store.SettingsStore, g domain.Geometry) error {
	if !g.Valid() {
		return fmt.Errorf("invalid target geometry %dx%d", g.Width, g.Height)
	}
	values := []struct{ key, value string }{
		{SingleImageWidthKey, strconv.Itoa(g.Width)},
		{ThumbnailImageWidthKey, strconv.Itoa(g.Width)},
		{ThumbnailCroppingKey, "custom"},
		{CustomCropWidthKey, strconv.Itoa(g.Width)},
		{CustomCropHeightKey, strconv.Itoa(g.Height)},
	}
	for _, v := range values {
		if err := settings.Set(ctx, v.key, v.value); err != nil {
			return fmt.Errorf("write setting %s: %w", v.key, err)
		}
	}
	return nil
}

// LoadGeometry reads the custom crop size back from the settings store.
// Missing or malformed values fall back to the given geometry.
func LoadGeometry(ctx context.Context, settings store.SettingsStore, fallback domain.Geometry, logger *logrus.Entry) domain.Geometry {
	g := fallback
	if v, ok := readPositiveInt(ctx, settings, CustomCropWidthKey, logger); ok {
		g.Width = v
	}
	if v, ok := readPositiveInt(ctx, settings, CustomCropHeightKey, logger); ok {
		g.Height = v
	}
	return g
}

func readPositiveInt(ctx context.Context, settings store.SettingsStore, key string, logger *logrus.Entry) (int, bool) {
	raw, err := settings.Get(ctx, key, "")
	if err != nil {
		logger.Warnf("read setting %s: %v", key, err)
		return 0, false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logger.Warnf("ignoring setting %s=%q", key, raw)
		return 0, false
	}
	return v, true
}

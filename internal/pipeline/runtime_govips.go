//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/sirupsen/logrus"
)

var (
	runtimeMu sync.Mutex
	running   bool
)

// Startup initialises libvips once per process and routes its log output
// through logger. Later calls are no-ops until Shutdown.
func Startup(logger *logrus.Entry) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if running {
		return nil
	}

	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		entry := logger.WithField("vips_domain", domain)
		switch level {
		case vips.LogLevelError, vips.LogLevelCritical:
			entry.Error(msg)
		case vips.LogLevelWarning:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}, vips.LogLevelWarning)

	vips.Startup(&vips.Config{
		MaxCacheFiles: 0,
		MaxCacheMem:   64 * 1024 * 1024,
		MaxCacheSize:  32,
	})
	running = true
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !running {
		return
	}
	vips.Shutdown()
	running = false
}

// NewEditor returns the codec backend compiled into this binary.
func NewEditor(jpegQuality int) Editor {
	return govipsEditor{quality: jpegQuality}
}

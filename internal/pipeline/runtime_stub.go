//go:build !govips || !cgo

package pipeline

import "github.com/sirupsen/logrus"

// Startup reports the pure-Go codec; it holds no process-wide state.
func Startup(logger *logrus.Entry) error {
	logger.Debug("image codec: imaging (pure Go)")
	return nil
}

func Shutdown() {}

// NewEditor returns the codec backend compiled into this binary.
func NewEditor(jpegQuality int) Editor {
	return imagingEditor{quality: jpegQuality}
}

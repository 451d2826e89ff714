package telemetry

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/config"
)

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "none"}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	_, err := SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "otlp"}, quietLogger())
	assert.Error(t, err)

	_, err = SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "zipkin"}, quietLogger())
	assert.Error(t, err)
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "stdout", ServiceName: "catalogfit-test"}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

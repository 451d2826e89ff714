package app

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Settings.Backend = BackendMemory
	cfg.Catalog.UploadsDir = t.TempDir()
	cfg.Storage.MirrorEnabled = false
	cfg.Webhook.URL = ""
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuildMemoryBackendRunsEmptyCatalog(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	out, err := a.Service.Run(context.Background(), "all", batch.SourceCLI)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed)
	assert.Equal(t, domain.RunStatusSucceeded, out.Run.Status)
	assert.Empty(t, out.Debug)

	runs, err := a.Service.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.Run.ID, runs[0].ID)
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Settings.Backend = "etcd"

	_, err := Build(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(t), quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewLogger(t *testing.T) {
	l := NewLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l = NewLogger(config.LogConfig{Level: "loud", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

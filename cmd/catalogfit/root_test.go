package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/domain"
)

func TestRunRejectsUnknownMode(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "--mode", "some"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use all or new")
}

func TestRunsRejectsNonPositiveLimit(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"runs", "--limit", "0"})

	require.Error(t, root.Execute())
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, printRuns(&out, []domain.Run{{
		ID: "r1", Mode: domain.RunModeFull, Status: domain.RunStatusSucceeded,
		Source: "cli", Processed: 4, Failed: 1, StartedAt: started,
	}}))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "PROCESSED")
	assert.Contains(t, string(lines[1]), "r1")
	assert.Contains(t, string(lines[1]), "2026-03-01T12:00:00Z")
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchThenInspect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var out bytes.Buffer
	bench := newBenchCommand()
	bench.SetOut(&out)
	bench.SetArgs([]string{
		"--data-dir", dir,
		"--workers", "2",
		"--txns", "25",
		"--rollback-rate", "0.5",
	})
	require.NoError(t, bench.ExecuteContext(ctx))
	assert.Contains(t, out.String(), "committed=")

	out.Reset()
	inspect := newInspectCommand()
	inspect.SetOut(&out)
	inspect.SetArgs([]string{"--data-dir", dir})
	require.NoError(t, inspect.ExecuteContext(ctx))

	var summary inspectOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, dir, summary.Dir)
	assert.NotZero(t, summary.Prepared)
	assert.Equal(t, summary.Prepared, summary.Committed+summary.RolledBack)
	assert.Empty(t, summary.Pending)
	assert.Zero(t, summary.Orphans)
}

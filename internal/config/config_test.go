package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wpstore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConf.DataDir, conf.DataDir)

	interval, err := conf.CheckpointInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, interval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data-dir = "/var/lib/wpstore"
log-level = "debug"

[engine]
two-write-queues = true
sync-write = true
checkpoint-interval = "5s"

[[engine.column-family]]
name = "meta"
comparator = "reverse_bytewise"
merge-operator = "stringappend"

[txn]
use-only-last-commit-time-batch-for-recovery = true
lock-timeout = "250ms"
`)
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wpstore", conf.DataDir)
	assert.True(t, conf.Engine.TwoWriteQueues)
	require.Len(t, conf.Engine.ColumnFamilies, 1)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, int64(64*MB), conf.Engine.MaxWALFileSize)

	opts, err := conf.ToDBOptions(zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wpstore", opts.Engine.Dir)
	assert.True(t, opts.Engine.Sync)
	assert.True(t, opts.UseOnlyLastCommitTimeBatchForRecovery)
	assert.Equal(t, 250*time.Millisecond, opts.LockTimeout)
	require.Len(t, opts.Engine.ColumnFamilies, 1)
	assert.Equal(t, batch.ReverseBytewiseComparator, opts.Engine.ColumnFamilies[0].Comparator)
	assert.NotNil(t, opts.Engine.ColumnFamilies[0].MergeOperator)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":        `bogus = 1`,
		"bad duration":       "[txn]\nlock-timeout = \"soon\"",
		"unknown comparator": "[[engine.column-family]]\nname = \"x\"\ncomparator = \"random\"",
		"duplicate family":   "[[engine.column-family]]\nname = \"x\"\n[[engine.column-family]]\nname = \"x\"",
		"empty data dir":     `data-dir = ""`,
		"limit without rate": "[engine]\nmemtable-soft-limit = 10\ndelayed-write-rate = 0",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

// Package config loads the wpstore server configuration from TOML.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/txndb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	DataDir     string `toml:"data-dir"`     // Directory holding the WAL.
	LogLevel    string `toml:"log-level"`    // debug, info, warn, error or disabled.
	LogPretty   bool   `toml:"log-pretty"`   // Console output instead of JSON.
	MetricsAddr string `toml:"metrics-addr"` // Observability HTTP listen address, empty to disable.
	GRPCAddr    string `toml:"grpc-addr"`    // gRPC health listen address, empty to disable.
	Engine      Engine `toml:"engine"`
	Txn         Txn    `toml:"txn"`
}

type Engine struct {
	TwoWriteQueues     bool   `toml:"two-write-queues"`
	SyncWrite          bool   `toml:"sync-write"`          // Fsync the WAL on every write.
	MaxWALFileSize     int64  `toml:"max-wal-file-size"`   // Segment size before rotation.
	MemtableSoftLimit  int64  `toml:"memtable-soft-limit"` // Bytes before writes are delayed, 0 never delays.
	DelayedWriteRate   int    `toml:"delayed-write-rate"`  // Bytes per second once delayed.
	CheckpointInterval string `toml:"checkpoint-interval"` // Go duration, empty disables checkpoints.

	ColumnFamilies []ColumnFamily `toml:"column-family"`
}

type ColumnFamily struct {
	Name          string `toml:"name"`
	Comparator    string `toml:"comparator"`     // bytewise or reverse_bytewise.
	MergeOperator string `toml:"merge-operator"` // stringappend or empty.
}

type Txn struct {
	// Log non-empty commit-time batches as the latest recoverable state
	// instead of writing them to the memtable.
	UseOnlyLastCommitTimeBatchForRecovery bool `toml:"use-only-last-commit-time-batch-for-recovery"`

	LockTimeout     string `toml:"lock-timeout"` // Go duration.
	CommitMapShards int    `toml:"commit-map-shards"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	DataDir:     "/tmp/wpstore",
	LogLevel:    "info",
	MetricsAddr: "127.0.0.1:9290",
	GRPCAddr:    "127.0.0.1:9190",
	Engine: Engine{
		MaxWALFileSize:     64 * MB,
		MemtableSoftLimit:  256 * MB,
		DelayedWriteRate:   16 * MB,
		CheckpointInterval: "30s",
	},
	Txn: Txn{
		LockTimeout:     "1s",
		CommitMapShards: 16,
	},
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	conf := DefaultConf
	if path != "" {
		md, err := toml.DecodeFile(path, &conf)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("%s: unknown keys %v", path, undecoded)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data-dir is required")
	}
	if c.Engine.MaxWALFileSize < 0 || c.Engine.MemtableSoftLimit < 0 || c.Engine.DelayedWriteRate < 0 {
		return errors.New("config: engine sizes must not be negative")
	}
	if c.Engine.MemtableSoftLimit > 0 && c.Engine.DelayedWriteRate == 0 {
		return errors.New("config: memtable-soft-limit needs a delayed-write-rate")
	}
	if _, err := c.CheckpointInterval(); err != nil {
		return err
	}
	if _, err := c.LockTimeout(); err != nil {
		return err
	}
	if c.Txn.CommitMapShards < 0 {
		return errors.New("config: commit-map-shards must not be negative")
	}

	seen := make(map[string]bool)
	for _, cf := range c.Engine.ColumnFamilies {
		if cf.Name == "" {
			return errors.New("config: column family without a name")
		}
		if seen[cf.Name] {
			return errors.Errorf("config: column family %q listed twice", cf.Name)
		}
		seen[cf.Name] = true
		if _, ok := batch.ComparatorByName(cf.Comparator); !ok {
			return errors.Errorf("config: column family %q: unknown comparator %q", cf.Name, cf.Comparator)
		}
		if _, ok := engine.MergeOperatorByName(cf.MergeOperator); !ok {
			return errors.Errorf("config: column family %q: unknown merge operator %q", cf.Name, cf.MergeOperator)
		}
	}
	return nil
}

// CheckpointInterval is zero when checkpoints are disabled.
func (c *Config) CheckpointInterval() (time.Duration, error) {
	return parseDuration("engine.checkpoint-interval", c.Engine.CheckpointInterval)
}

func (c *Config) LockTimeout() (time.Duration, error) {
	return parseDuration("txn.lock-timeout", c.Txn.LockTimeout)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", key)
	}
	if d < 0 {
		return 0, errors.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}

// ToEngineOptions translates the engine section. Replay hooks are left for
// the database to install.
func (c *Config) ToEngineOptions() (engine.Options, error) {
	opts := engine.Options{
		Dir:               c.DataDir,
		TwoWriteQueues:    c.Engine.TwoWriteQueues,
		Sync:              c.Engine.SyncWrite,
		MaxWALFileSize:    c.Engine.MaxWALFileSize,
		MemtableSoftLimit: c.Engine.MemtableSoftLimit,
		DelayedWriteRate:  c.Engine.DelayedWriteRate,
	}
	for _, cf := range c.Engine.ColumnFamilies {
		cmp, ok := batch.ComparatorByName(cf.Comparator)
		if !ok {
			return engine.Options{}, errors.Errorf("config: unknown comparator %q", cf.Comparator)
		}
		merge, ok := engine.MergeOperatorByName(cf.MergeOperator)
		if !ok {
			return engine.Options{}, errors.Errorf("config: unknown merge operator %q", cf.MergeOperator)
		}
		opts.ColumnFamilies = append(opts.ColumnFamilies, engine.ColumnFamilyOptions{
			Name:          cf.Name,
			Comparator:    cmp,
			MergeOperator: merge,
		})
	}
	return opts, nil
}

func (c *Config) ToDBOptions(log zerolog.Logger, m *metrics.Metrics) (txndb.Options, error) {
	eo, err := c.ToEngineOptions()
	if err != nil {
		return txndb.Options{}, err
	}
	lockTimeout, err := c.LockTimeout()
	if err != nil {
		return txndb.Options{}, err
	}
	return txndb.Options{
		Engine:                                eo,
		UseOnlyLastCommitTimeBatchForRecovery: c.Txn.UseOnlyLastCommitTimeBatchForRecovery,
		LockTimeout:                           lockTimeout,
		CommitMapShards:                       c.Txn.CommitMapShards,
		Logger:                                log,
		Metrics:                               m,
	}, nil
}

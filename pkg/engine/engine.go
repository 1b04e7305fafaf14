// Package engine is the log-structured write engine underneath the
// transaction layer. It assigns sequence numbers, appends batches to the WAL,
// applies them to a multi-version memtable and publishes the last visible
// sequence after running each write's pre-release callback.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	queueMain   = "main"
	queueNonMem = "non_mem"
)

// Engine is safe for concurrent use.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	wal  *wal.WAL
	cfs  *columnFamilies
	mem  *memtable
	ctrl *writeController

	// allocMu makes sequence allocation and the WAL append a single step so
	// that log order is sequence order.
	allocMu sync.Mutex

	writeMu  sync.Mutex // main write queue
	nonMemMu sync.Mutex // second queue, memtable-disabled writes with TwoWriteQueues

	lastAllocated atomic.Uint64
	lastPublished atomic.Uint64
	closed        atomic.Bool

	stateMu     sync.Mutex
	recoverable *batch.WriteBatch
}

// Open opens the engine in opts.Dir, replaying its WAL.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, errors.New("engine: Dir is required")
	}
	cfs, err := newColumnFamilies(opts.ColumnFamilies)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		cfs:     cfs,
		wal: &wal.WAL{
			Path:        filepath.Join(opts.Dir, WALFileName),
			MaxFileSize: opts.MaxWALFileSize,
		},
	}
	e.mem = newMemtable(cfs)
	e.ctrl = newWriteController(opts.MemtableSoftLimit, opts.DelayedWriteRate,
		e.mem.approximateSize, e.log, e.metrics)

	if err := e.wal.Open(); err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	if err := e.recover(); err != nil {
		e.wal.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) recover() error {
	start := time.Now()
	var state *batch.WriteBatch

	stats, err := wal.NewRecovery(e.wal).RecoverWithStats(func(entry *wal.Entry) error {
		b, err := batch.FromData(entry.Payload)
		if err != nil {
			return err
		}
		switch entry.Kind {
		case wal.KindWrite:
			offsets, count, err := e.mem.plan(b)
			if err != nil {
				return err
			}
			if count > int(entry.Count) {
				return errors.Wrapf(ErrBatchCountMismatch, "write at %d has %d sub-batches, logged %d",
					entry.LSN, count, entry.Count)
			}
			if err := e.mem.apply(b, entry.LSN, offsets); err != nil {
				return err
			}
		case wal.KindPersistentState:
			state = b
		}
		if e.opts.Replay == nil {
			return nil
		}
		return e.opts.Replay(ReplayedWrite{
			Seq:   entry.LSN,
			Count: int(entry.Count),
			Kind:  entry.Kind,
			Batch: b,
		})
	})
	if err != nil {
		return errors.Wrap(err, "replay wal")
	}

	last := e.wal.LastSequence()
	if stats.LastSequence > last {
		last = stats.LastSequence
	}
	e.lastAllocated.Store(last)
	e.lastPublished.Store(last)

	e.log.Info().
		Int("entries", stats.TotalEntries).
		Int("writes", stats.WriteEntries).
		Int("log_only", stats.LogOnlyEntries).
		Int("checkpoints", stats.Checkpoints).
		Uint64("last_sequence", last).
		Dur("duration", time.Since(start)).
		Msg("wal replayed")

	if state != nil {
		e.recoverable = state
		if _, err := e.FlushRecoverableState(context.Background()); err != nil {
			return errors.Wrap(err, "restore recoverable state")
		}
	}
	return nil
}

// Write assigns sequence numbers to b, logs it, applies it and publishes it.
// It returns the first sequence number of the write.
func (e *Engine) Write(ctx context.Context, b *batch.WriteBatch, opts WriteOptions) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if opts.PersistentState {
		opts.DisableMemtable = true
	}

	var offsets []int
	count := opts.BatchCount
	if !opts.DisableMemtable {
		var need int
		var err error
		offsets, need, err = e.mem.plan(b)
		if err != nil {
			return 0, err
		}
		if count == 0 {
			count = need
		} else if count != need {
			return 0, errors.Wrapf(ErrBatchCountMismatch, "declared %d, batch has %d sub-batches", count, need)
		}
	} else if count == 0 {
		count = 1
	}

	if err := e.ctrl.admit(ctx, b.Size()); err != nil {
		return 0, err
	}

	queue, queueName := &e.writeMu, queueMain
	if e.opts.TwoWriteQueues && opts.DisableMemtable {
		queue, queueName = &e.nonMemMu, queueNonMem
	}
	queue.Lock()
	defer queue.Unlock()

	seq, err := e.allocate(b, count, opts)
	if err != nil {
		return 0, err
	}

	if !opts.DisableMemtable {
		if err := e.mem.apply(b, seq, offsets); err != nil {
			return 0, err
		}
	}
	if opts.PersistentState {
		e.stateMu.Lock()
		e.recoverable = b.Copy()
		e.stateMu.Unlock()
	}

	if opts.PreRelease != nil {
		if err := opts.PreRelease.Callback(seq, opts.DisableMemtable); err != nil {
			return 0, errors.Wrap(err, "pre-release callback")
		}
	}

	last := seq + uint64(count) - 1
	if !e.opts.TwoWriteQueues || opts.DisableMemtable {
		e.publish(last)
	}

	e.metrics.RecordEngineWrite(queueName, b.Size())
	e.metrics.UpdateSequences(e.lastAllocated.Load(), e.lastPublished.Load())
	return seq, nil
}

// allocate reserves count sequence numbers and logs the batch under them.
func (e *Engine) allocate(b *batch.WriteBatch, count int, opts WriteOptions) (uint64, error) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	seq := e.lastAllocated.Load() + 1
	if !opts.DisableWAL {
		kind := wal.KindWrite
		switch {
		case opts.PersistentState:
			kind = wal.KindPersistentState
		case opts.DisableMemtable:
			kind = wal.KindLogOnly
		}
		entry := wal.Entry{
			LSN:       seq,
			Count:     uint32(count),
			Kind:      kind,
			Payload:   b.Data(),
			Timestamp: time.Now(),
		}
		if err := e.wal.Write(entry); err != nil {
			return 0, err
		}
	}
	e.lastAllocated.Store(seq + uint64(count) - 1)

	if !opts.DisableWAL && (opts.Sync || e.opts.Sync) {
		if err := e.wal.Fsync(); err != nil {
			return 0, errors.Wrap(err, "sync wal")
		}
	}
	return seq, nil
}

// publish raises the last published sequence to seq if it is lower.
func (e *Engine) publish(seq uint64) {
	for {
		cur := e.lastPublished.Load()
		if seq <= cur || e.lastPublished.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// FlushRecoverableState writes the cached recoverable state to the memtable
// under fresh sequence numbers, runs the state callback and publishes. It
// returns the last allocated sequence, which the flushed state is covered by.
func (e *Engine) FlushRecoverableState(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.closed.Load() {
		return 0, ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.stateMu.Lock()
	state := e.recoverable
	e.recoverable = nil
	e.stateMu.Unlock()

	if state == nil {
		return e.lastAllocated.Load(), nil
	}

	offsets, count, err := e.mem.plan(state)
	if err != nil {
		return 0, err
	}

	e.allocMu.Lock()
	seq := e.lastAllocated.Load() + 1
	e.lastAllocated.Store(seq + uint64(count) - 1)
	e.allocMu.Unlock()

	if err := e.mem.apply(state, seq, offsets); err != nil {
		return 0, err
	}
	if cb := e.opts.RecoverableStateCallback; cb != nil {
		if err := cb(seq, count); err != nil {
			return 0, errors.Wrap(err, "recoverable state callback")
		}
	}

	last := seq + uint64(count) - 1
	e.publish(last)
	e.log.Debug().Uint64("seq", seq).Int("count", count).Msg("recoverable state flushed")
	return last, nil
}

// HasRecoverableState reports whether a recoverable state is cached.
func (e *Engine) HasRecoverableState() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.recoverable != nil
}

// NewCheckpointer returns a checkpointer that flushes the recoverable state
// and marks the WAL.
func (e *Engine) NewCheckpointer(interval time.Duration) *wal.Checkpointer {
	c := wal.NewCheckpointer(e.wal, e.FlushRecoverableState, e.log)
	if interval > 0 {
		c.SetInterval(interval)
	}
	return c
}

// Get reads key under floor, skipping versions visible rejects. It returns
// ErrNotFound when no visible version exists or the newest one is a delete.
func (e *Engine) Get(cf uint32, key []byte, floor uint64, visible ReadCallback) ([]byte, error) {
	family, err := e.cfs.get(cf)
	if err != nil {
		return nil, err
	}
	return e.mem.get(family, key, floor, visible)
}

// LatestSequence returns the sequence of the newest version of key, whether
// or not it is committed.
func (e *Engine) LatestSequence(cf uint32, key []byte) (uint64, bool, error) {
	family, err := e.cfs.get(cf)
	if err != nil {
		return 0, false, err
	}
	seq, ok := e.mem.latest(family, key)
	return seq, ok, nil
}

func (e *Engine) LastAllocatedSequence() uint64 { return e.lastAllocated.Load() }

func (e *Engine) LastPublishedSequence() uint64 { return e.lastPublished.Load() }

func (e *Engine) TwoWriteQueues() bool { return e.opts.TwoWriteQueues }

func (e *Engine) Closed() bool { return e.closed.Load() }

func (e *Engine) MemtableSize() int64 { return e.mem.approximateSize() }

// ComparatorFor implements batch.ComparatorMap over the registered families.
func (e *Engine) ComparatorFor(cf uint32) (batch.Comparator, bool) {
	return e.cfs.ComparatorFor(cf)
}

// ColumnFamily looks a family up by name.
func (e *Engine) ColumnFamily(name string) (*ColumnFamily, bool) {
	cf, ok := e.cfs.byName[name]
	return cf, ok
}

// ColumnFamilies returns the registered families ordered by id.
func (e *Engine) ColumnFamilies() []*ColumnFamily {
	out := make([]*ColumnFamily, len(e.cfs.byID))
	copy(out, e.cfs.byID)
	return out
}

// Close waits for in-flight writes and closes the WAL.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.nonMemMu.Lock()
	defer e.nonMemMu.Unlock()

	e.log.Info().Uint64("last_sequence", e.lastAllocated.Load()).Msg("engine closed")
	return e.wal.Close()
}

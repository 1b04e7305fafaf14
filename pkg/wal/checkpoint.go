package wal

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// FlushFunc persists in-memory state that is not otherwise in the log and
// returns the sequence number the flushed state covers.
type FlushFunc func(ctx context.Context) (uint64, error)

// Checkpointer manages periodic checkpointing
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  FlushFunc
	log      zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCheckpointer creates a checkpointer
func NewCheckpointer(wal *WAL, flushFn FlushFunc, log zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		wal:      wal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		log:      log,
	}
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.interval, c.stopCh, c.doneCh)
}

// Stop stops the checkpointer and waits for the loop to exit
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	stopCh, doneCh := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (c *Checkpointer) run(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(context.Background()); err != nil {
				c.log.Error().Err(err).Msg("checkpoint failed")
			}

		case <-stopCh:
			return
		}
	}
}

// Checkpoint flushes in-memory state and writes a checkpoint marker
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	seq, err := c.flushFn(ctx)
	if err != nil {
		return errors.Wrap(err, "flush failed")
	}

	entry := Entry{
		LSN:       seq,
		Kind:      KindCheckpoint,
		Timestamp: time.Now(),
	}
	if err := c.wal.Write(entry); err != nil {
		return errors.Wrap(err, "write checkpoint entry failed")
	}
	if err := c.wal.Fsync(); err != nil {
		return errors.Wrap(err, "fsync checkpoint failed")
	}

	c.log.Debug().Uint64("seq", seq).Msg("checkpoint written")
	return nil
}

// SetInterval changes the checkpoint interval. It takes effect on the next Start.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = interval
}

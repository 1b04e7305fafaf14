package wal

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCheckpointCreation(t *testing.T) {
	w, _ := openTestWAL(t, "wal-checkpoint-create-*")
	defer w.Close()

	var flushCalled int32
	checkpointer := NewCheckpointer(w, func(ctx context.Context) (uint64, error) {
		atomic.StoreInt32(&flushCalled, 1)
		return 17, nil
	}, zerolog.Nop())

	if err := checkpointer.Checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&flushCalled) != 1 {
		t.Error("flush function should have been called")
	}

	files, _ := w.Files()
	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != KindCheckpoint || entries[0].LSN != 17 {
		t.Fatalf("checkpoint marker not found in WAL: %v", entries)
	}
}

func TestCheckpointInterval(t *testing.T) {
	w, _ := openTestWAL(t, "wal-checkpoint-interval-*")
	defer w.Close()

	var checkpointCount int32
	checkpointer := NewCheckpointer(w, func(ctx context.Context) (uint64, error) {
		atomic.AddInt32(&checkpointCount, 1)
		return 0, nil
	}, zerolog.Nop())
	checkpointer.SetInterval(100 * time.Millisecond)
	checkpointer.Start()
	defer checkpointer.Stop()

	time.Sleep(350 * time.Millisecond)

	if count := atomic.LoadInt32(&checkpointCount); count < 2 {
		t.Errorf("expected at least 2 automatic checkpoints, got %d", count)
	}
}

func TestCheckpointGracefulShutdown(t *testing.T) {
	w, _ := openTestWAL(t, "wal-checkpoint-shutdown-*")
	defer w.Close()

	checkpointer := NewCheckpointer(w, func(ctx context.Context) (uint64, error) {
		return 0, nil
	}, zerolog.Nop())
	checkpointer.Start()

	done := make(chan bool)
	go func() {
		checkpointer.Stop()
		checkpointer.Stop()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("checkpointer.Stop() did not complete within timeout")
	}
}

func TestCheckpointFlushError(t *testing.T) {
	w, _ := openTestWAL(t, "wal-checkpoint-error-*")
	defer w.Close()

	checkpointer := NewCheckpointer(w, func(ctx context.Context) (uint64, error) {
		return 0, os.ErrPermission
	}, zerolog.Nop())

	if err := checkpointer.Checkpoint(context.Background()); err == nil {
		t.Error("expected checkpoint to fail when flush returns error")
	}

	files, _ := w.Files()
	entries, _ := ReadAll(files)
	if len(entries) != 0 {
		t.Errorf("failed flush must not write a marker, found %d entries", len(entries))
	}
}

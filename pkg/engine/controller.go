package engine

import (
	"context"

	"github.com/nainya/wpstore/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// writeController delays writes once the memtable grows past its soft limit,
// pacing admitted bytes at the delayed write rate.
type writeController struct {
	softLimit int64
	limiter   *rate.Limiter
	size      func() int64
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func newWriteController(softLimit int64, bytesPerSec int, size func() int64, log zerolog.Logger, m *metrics.Metrics) *writeController {
	c := &writeController{softLimit: softLimit, size: size, log: log, metrics: m}
	if softLimit > 0 && bytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
	return c
}

// admit blocks until a write of n bytes may proceed or ctx is done.
func (c *writeController) admit(ctx context.Context, n int) error {
	if c.limiter == nil || c.size() < c.softLimit {
		return nil
	}
	if n > c.limiter.Burst() {
		n = c.limiter.Burst()
	}
	if n < 1 {
		n = 1
	}
	c.metrics.RecordWriteStall()
	c.log.Debug().Int("bytes", n).Int64("memtable_bytes", c.size()).Msg("write delayed")
	return c.limiter.WaitN(ctx, n)
}

package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/wpstore/pkg/txndb"
)

type benchArgs struct {
	workers      int
	txns         int
	keysPerTxn   int
	keySpace     int
	rollbackRate float64
}

func newBenchCommand() *cobra.Command {
	var args benchArgs
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent prepare, commit and rollback workload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd, args)
		},
	}
	cmd.Flags().String("data-dir", "", "override data-dir from the config")
	cmd.Flags().IntVar(&args.workers, "workers", 8, "concurrent transactions")
	cmd.Flags().IntVar(&args.txns, "txns", 1000, "transactions per worker")
	cmd.Flags().IntVar(&args.keysPerTxn, "keys", 4, "keys written per transaction")
	cmd.Flags().IntVar(&args.keySpace, "key-space", 100000, "distinct keys")
	cmd.Flags().Float64Var(&args.rollbackRate, "rollback-rate", 0.1, "fraction of prepared transactions rolled back")
	return cmd
}

func runBench(cmd *cobra.Command, args benchArgs) error {
	conf, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := conf.ToDBOptions(*log.GetZerolog(), nil)
	if err != nil {
		return err
	}
	db, err := txndb.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	var committed, rolledBack, failed atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(cmd.Context())
	for w := 0; w < args.workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w) + start.UnixNano()))
			for i := 0; i < args.txns; i++ {
				if ctx.Err() != nil {
					return nil
				}
				rollback, err := benchTxn(ctx, db, rng, args)
				switch {
				case err != nil:
					failed.Inc()
				case rollback:
					rolledBack.Inc()
				default:
					committed.Inc()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := committed.Load() + rolledBack.Load()
	stats := db.Stats()
	fmt.Fprintf(cmd.OutOrStdout(),
		"committed=%d rolled_back=%d failed=%d elapsed=%s txn/s=%.0f last_seq=%d\n",
		committed.Load(), rolledBack.Load(), failed.Load(), elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(), stats.LastPublished)
	return nil
}

func benchTxn(ctx context.Context, db *txndb.DB, rng *rand.Rand, args benchArgs) (bool, error) {
	tx, err := db.BeginTransaction(txndb.TxnOptions{})
	if err != nil {
		return false, err
	}
	for k := 0; k < args.keysPerTxn; k++ {
		key := fmt.Sprintf("key%08d", rng.Intn(args.keySpace))
		val := fmt.Sprintf("%s-%d", tx.Name(), k)
		if err := tx.Put(ctx, 0, []byte(key), []byte(val)); err != nil {
			tx.Rollback(ctx)
			return false, err
		}
	}
	if err := tx.Prepare(ctx); err != nil {
		tx.Rollback(ctx)
		return false, err
	}
	if rng.Float64() < args.rollbackRate {
		return true, tx.Rollback(ctx)
	}
	return false, tx.Commit(ctx)
}

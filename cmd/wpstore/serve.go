package main

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/internal/server"
	"github.com/nainya/wpstore/pkg/txndb"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and serve health and metrics endpoints only (no data RPCs)",
		RunE:  runServe,
	}
	cmd.Flags().String("data-dir", "", "override data-dir from the config")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	interval, err := conf.CheckpointInterval()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	opts, err := conf.ToDBOptions(*log.GetZerolog(), m)
	if err != nil {
		return err
	}
	log.LogServerStart(conf.GRPCAddr, conf.DataDir)
	db, err := txndb.Open(opts)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	for _, tx := range db.GetAllPreparedTransactions() {
		log.Warn("prepared transaction awaiting resolution").
			Str("txn", tx.Name()).
			Uint64("seq", tx.ID()).
			Send()
	}

	if interval > 0 {
		cp := db.NewCheckpointer(interval)
		cp.Start()
		defer cp.Stop()
		log.Debug("checkpointer started").Dur("interval", interval).Send()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.RunUptime(ctx)
		return nil
	})

	if conf.GRPCAddr != "" {
		lis, err := net.Listen("tcp", conf.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", conf.GRPCAddr)
		}
		srv := server.NewServer(db, log, m)
		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			srv.WatchHealth(ctx, 5*time.Second)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.Shutdown()
			return nil
		})
	}

	if conf.MetricsAddr != "" {
		obs := server.NewObservabilityServer(conf.MetricsAddr, reg, db.Check, log)
		g.Go(obs.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return obs.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	log.LogServerShutdown()
	cancel()
	err = g.Wait()
	if err != nil {
		log.Error("server stopped").Err(err).Send()
	}

	if flushErr := db.Flush(context.Background()); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

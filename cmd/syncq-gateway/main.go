package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/syncq/internal/api"
	"github.com/example/syncq/internal/bootstrap"
	"github.com/example/syncq/internal/broker"
	"github.com/example/syncq/internal/state"
)

func main() {
	root := &cobra.Command{
		Use:          "syncq-gateway",
		Short:        "HTTP gateway that turns uploads into queued requests and waits for their results",
		SilenceUsage: true,
		RunE:         run,
	}
	bootstrap.AddConfigFlag(root)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc, err := bootstrap.Start(ctx, cmd, "syncq-gateway")
	if err != nil {
		return err
	}
	defer proc.Close()
	cfg, log := proc.Config, proc.Log

	transport, closeTransport, err := bootstrap.NewSharedTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeTransport() }()
	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		return err
	}

	b := broker.New(state.NewRegistry(), transport, bootstrap.BrokerOptions(cfg), log.WithName("broker"))
	srv := api.NewServer(b, store, api.Options{
		InputBucket:         cfg.Storage.InputBucket,
		OutputBucket:        cfg.Storage.OutputBucket,
		DefaultWait:         cfg.Broker.DefaultWait(),
		InitialWait:         cfg.Broker.InitialWait(),
		MaxUploadBytes:      cfg.HTTP.MaxUploadBytes,
		SubmitRatePerSecond: cfg.HTTP.SubmitRatePerSecond,
		SubmitBurst:         cfg.HTTP.SubmitBurst,
	}, log.WithName("http"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })
	g.Go(func() error { return bootstrap.Serve(ctx, cfg.HTTP.Addr, srv.Handler(), log) })
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Gateway stopped")
	return nil
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/victhorio/opachat/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat and completion API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags, true)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on")

	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	// the server always runs the provider itself; relay_url only applies to clients
	cfg.RelayURL = ""
	agent, completer, err := newAgent(ctx, cfg, newClientTools())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := relay.NewServer(relay.Options{
		Chat:        agent,
		Completion:  completer,
		KeepStreams: cfg.KeepStreams,
		RPS:         cfg.RPS,
		Burst:       cfg.Burst,
		Registry:    reg,
	})
	if err != nil {
		return errors.Wrap(err, "runServe")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Str("provider", cfg.Provider).Msg("serving")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "runServe")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		srv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

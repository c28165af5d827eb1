package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/adpipe/internal/platform/httpserver"
	"github.com/animus-labs/adpipe/internal/platform/objectstore"
	"github.com/animus-labs/adpipe/internal/reviewapi"
)

const serviceName = "adpipe-review"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the review API used by the review UI",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName,
		httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return a.db.PingContext(checkCtx)
			},
		},
		httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, a.minio, a.storeCfg)
			},
		},
	))
	reviewapi.New(a.logger, a.ledger, a.gate, a.orch).Register(mux)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            a.cfg.Server.Addr,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, a.logger, cfg, httpserver.Wrap(a.logger, serviceName, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

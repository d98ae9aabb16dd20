package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exportcore/internal/adapters/ledgerhttp"
	"exportcore/internal/blob"
	"exportcore/internal/config"
	"exportcore/internal/core"
	"exportcore/internal/idempotency"
	"exportcore/internal/notify"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Serve(cmd.Context())
		},
	}
}

// app owns every long-lived resource of the serve command.
type app struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	storage  *core.Storage
	handler  http.Handler
	sweeper  *idempotency.Sweeper
	closers  []func() error
	listener net.Listener
}

func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, errors.Wrap(err, "register ledger metrics")
	}
	idemMetrics, err := idempotency.NewMetrics(reg)
	if err != nil {
		return nil, errors.Wrap(err, "register idempotency metrics")
	}

	storage, err := core.OpenStorage(ctx, cfg.StorageConfig(), nil)
	if err != nil {
		return nil, err
	}
	a.storage = storage
	a.closers = append(a.closers, storage.Close)

	svcOpts := []core.ServiceOption{
		core.WithLogger(logger),
		core.WithMetricsRecorder(ledgerMetrics),
		core.WithTracer(core.NewLogTracer(logger)),
	}

	archive, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	if archive != nil {
		svcOpts = append(svcOpts, core.WithTraceabilityArchive(core.NewBlobTraceabilityArchive(archive)))
	}

	if kcfg, ok := cfg.KafkaConfig(); ok {
		writer, err := notify.NewKafkaWriter(kcfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, writer.Close)
		svcOpts = append(svcOpts, core.WithNotifier(notify.NewKafkaNotifier(writer, kcfg.WriteTimeout)))
	} else {
		svcOpts = append(svcOpts, core.WithNotifier(notify.NewLogNotifier(logger)))
	}

	svc := core.NewService(storage.Ledger, svcOpts...)
	coord := idempotency.New(storage.Idempotency, cfg.IdempotencyConfig(),
		idempotency.WithLogger(logger),
		idempotency.WithMetrics(idemMetrics),
	)
	a.handler = ledgerhttp.NewRouter(ledgerhttp.Options{
		Service:     svc,
		Idempotency: coord,
		Health:      storage,
		Gatherer:    reg,
		Logger:      logger,
	})
	a.sweeper = idempotency.NewSweeper(storage.Idempotency, cfg.Idempotency.SweepInterval, logger)
	return a, nil
}

// Serve blocks until ctx is cancelled or the listener fails, then drains
// in-flight requests within the configured grace period.
func (a *app) Serve(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.HTTPAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", a.cfg.HTTPAddr)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"driver": a.storage.Driver,
	}).Info("ledger api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve http")
	case <-ctx.Done():
	}

	a.logger.WithField("grace", a.cfg.ShutdownGrace).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http")
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}

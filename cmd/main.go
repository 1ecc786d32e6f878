package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
	"mnq-momentum-trader/internal/service"
	"mnq-momentum-trader/internal/trader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trader:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := service.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := service.NewLogger(cfg.App.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("App", cfg.App.Name),
		zap.String("Mode", string(cfg.Broker.Mode)),
		zap.String("Environment", cfg.Broker.Environment),
		zap.String("Symbol", cfg.Strategy.Symbol),
		zap.String("Interval", service.FormatInterval(cfg.Strategy.Interval)),
	)
	if cfg.Broker.Mode == model.ModeLive {
		logger.Warn("LIVE MODE: orders will be routed to the broker")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.App.MetricsAddr != "" {
		srv := metrics.Serve(cfg.App.MetricsAddr, reg, func(err error) {
			logger.Error("Metrics server failed", zap.Error(err))
		})
		defer srv.Close()
		logger.Info("Serving metrics", zap.String("Addr", cfg.App.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := trader.New(cfg, afero.NewOsFs(), logger, m)
	if err := coord.Start(ctx); err != nil {
		coord.Stop(context.Background())
		var (
			rej    *model.OrderRejection
			netErr *model.NetworkError
		)
		switch {
		case errors.Is(err, model.ErrAuth):
			logger.Error("Broker refused the credentials", zap.Error(err))
		case errors.As(err, &rej), errors.As(err, &netErr):
			logger.Error("Broker unavailable, retry later", zap.Error(err))
		}
		return err
	}

	waitErr := coord.Wait()
	if waitErr != nil {
		logger.Error("Trading pipeline stopped", zap.Error(waitErr))
	} else {
		logger.Info("Shutdown requested")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.FlattenTimeout+5*time.Second)
	defer cancel()
	summary := coord.Stop(stopCtx)
	if summary.FlattenErr != nil {
		return errors.Join(waitErr, summary.FlattenErr)
	}
	return waitErr
}

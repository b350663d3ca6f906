// Command omprog-loki is an rsyslog omprog helper that forwards log lines to Loki.
//
// Example rsyslog configuration:
//
//	template(name="loki" type="string"
//	         string="%timereported:::date-rfc3339% {host=\"%hostname%\",app=\"%programname%\"} %msg%\n")
//	action(type="omprog" binary="/usr/local/bin/omprog-loki --push-url=http://loki:3100/api/prom/push"
//	       template="loki" confirmMessages="on" useTransactions="on")
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/candlerb/rsyslog-omprog-loki/internal/config"
	"github.com/candlerb/rsyslog-omprog-loki/internal/daemon"
	"github.com/candlerb/rsyslog-omprog-loki/internal/input"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logger"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging/batch"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging/loki"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "omprog-loki: %v\n", err)
		os.Exit(2)
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.DebugFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "omprog-loki: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		// whatever is still batched was never acknowledged, rsyslog resends it
		log.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	// a blocked read on stdin does not notice cancellation, so wait on both
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, log, os.Stdout)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Exiting: %v", err)
			closeLog()
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("Shutting down...")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, out io.Writer) error {
	maxLineSize, err := cfg.MaxLineSizeBytes()
	if err != nil {
		return err
	}

	lokiSender := loki.NewLokiSender(cfg.PushURL, loki.Options{
		Timeout:            cfg.PushTimeout,
		TenantID:           cfg.TenantID,
		Username:           cfg.Username,
		Password:           cfg.Password,
		BearerToken:        cfg.BearerToken,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Gzip:               cfg.Gzip(),
	})

	batchProcessor := batch.NewBatchProcessor(lokiSender, log)

	session := daemon.NewSession(daemon.Config{
		ConfirmMessages: cfg.ConfirmMessages,
		MaxLineSize:     maxLineSize,
	}, batchProcessor, out, log)

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, session.Metrics(), log)
		defer srv.Close()
	}

	var reader input.LineReader
	if cfg.ReadsStdin() {
		reader = input.NewReader(os.Stdin)
	} else {
		fileReader, err := input.TailFile(cfg.Input, cfg.Follow)
		if err != nil {
			return err
		}
		defer fileReader.Close()
		reader = fileReader
	}

	log.Debugf("Pushing to %s, confirm messages=%t", cfg.PushURL, cfg.ConfirmMessages)

	return session.Run(ctx, reader)
}

func serveMetrics(addr string, metrics prometheus.Collector, log logrus.FieldLogger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server stopped: %v", err)
		}
	}()
	log.Infof("Serving metrics on %s/metrics", addr)

	return srv
}

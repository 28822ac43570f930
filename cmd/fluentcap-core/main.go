package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/capture"
	"github.com/tiroq/fluentcap/internal/capture/agent"
	"github.com/tiroq/fluentcap/internal/config"
	"github.com/tiroq/fluentcap/internal/diaglog"
	"github.com/tiroq/fluentcap/internal/history"
	"github.com/tiroq/fluentcap/internal/ipc"
	"github.com/tiroq/fluentcap/internal/pidfile"
	"github.com/tiroq/fluentcap/internal/poller"
	"github.com/tiroq/fluentcap/internal/recorder"
	"github.com/tiroq/fluentcap/internal/statemachine"
	"github.com/tiroq/fluentcap/internal/submission"
	"github.com/tiroq/fluentcap/internal/telemetry"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

// logger is the operational log; lines carry a lifecycle phase tag.
var logger *zap.SugaredLogger

func main() {
	// --export-diag: read the diagnostic log, write a bundle, exit.
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		diaglog.Version = Version
		path, n, err := diaglog.Export(diagLogPath(), ".")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			if os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "hint: run with FLUENTCAP_DEBUG=true to enable diagnostic logging")
				os.Exit(1)
			}
			os.Exit(2)
		}
		fmt.Printf("Wrote: %s (%d lines)\n", path, n)
		os.Exit(0)
	}

	if err := run(); err != nil {
		if logger != nil {
			logger.Errorf("[SHUTDOWN] fluentcap-core exited: %v", err)
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadUserConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err = initLogging(cfg.Telemetry.LogLevel)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Infof("[STARTUP] Starting fluentcap-core %s (pid %d, config %s)", Version, os.Getpid(), cfgPath)

	pf, err := pidfile.New(pidfile.DefaultPath("fluentcap-core"))
	if err != nil {
		return fmt.Errorf("another fluentcap-core may be running: %w", err)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warnf("[SHUTDOWN] Failed to remove PID file: %v", err)
		}
	}()

	dlog, err := diaglog.New(diagLogPath())
	if err != nil {
		logger.Warnf("[STARTUP] Diagnostic log unavailable: %v", err)
		dlog = diaglog.NewNoOp()
	}
	defer dlog.Close()

	sess, err := statemachine.NewContext(statemachine.User{
		ID:    cfg.User.ID,
		Type:  cfg.User.Type,
		Name:  cfg.User.Name,
		Email: cfg.User.Email,
	}, dlog)
	if err != nil {
		return fmt.Errorf("set user.id in %s: %w", config.UserConfigPath(), err)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		store.SetLogger(dlog)
		defer store.Close()
	}

	d := newDaemon(cfg, sess, metrics, store)
	defer sess.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchCommands(gctx) })
	g.Go(func() error { return d.publishStatus(gctx) })
	if cfg.Telemetry.MetricsBind != "" {
		srv := &http.Server{Addr: cfg.Telemetry.MetricsBind, Handler: metricsMux(metrics), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("[STARTUP] Serving metrics on %s", cfg.Telemetry.MetricsBind)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.quit:
			logger.Info("[SHUTDOWN] Quit requested")
		}
		stop()
		return nil
	})

	logger.Infof("[STARTUP] Ready (session %s, user %s)", sess.SessionID, cfg.User.ID)
	err = g.Wait()
	logger.Info("[SHUTDOWN] Shutting down")
	return err
}

// wire builds the capture-to-poll pipeline for one session.
func wire(cfg config.Config, sess *statemachine.Context, metrics *telemetry.Metrics, store *history.Store, onTick func(int)) *statemachine.Machine {
	dlog := sess.Logger

	provider := agent.NewProvider(cfg.Capture.AgentURL)
	provider.SetLogger(dlog)

	devices := capture.NewManager(provider, capture.WithDeviceLock(cfg.Capture.DeviceLock))
	devices.SetLogger(dlog)

	constraints := capture.DefaultConstraints()
	if cfg.Capture.Width > 0 && cfg.Capture.Height > 0 {
		constraints.Width, constraints.Height = cfg.Capture.Width, cfg.Capture.Height
	}
	rec := recorder.New(devices,
		recorder.WithConstraints(constraints),
		recorder.WithCodecs(cfg.Capture.Codecs, cfg.Capture.FallbackMIME),
		recorder.WithFlushTimeout(cfg.FlushTimeout()),
		recorder.OnTick(onTick))
	rec.SetLogger(dlog)

	client := analysis.NewClient(analysis.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		TimeoutSeconds: cfg.API.RequestTimeoutSeconds,
		Retries:        cfg.API.Retries,
	})
	client.SetLogger(dlog)

	subOpts := []submission.Option{
		submission.WithMetrics(metrics),
		submission.WithProvider(cfg.ProviderID),
	}
	smOpts := []statemachine.Option{statemachine.WithMetrics(metrics)}
	if store != nil {
		subOpts = append(subOpts, submission.WithLedger(store))
		smOpts = append(smOpts, statemachine.WithLedger(store))
	}
	sub := submission.New(client, subOpts...)
	sub.SetLogger(dlog)

	p := poller.New(client, poller.Config{Interval: cfg.PollInterval(), Timeout: cfg.PollTimeout()},
		poller.WithMetrics(metrics))
	p.SetLogger(dlog)

	return statemachine.New(sess, rec, sub, p, smOpts...)
}

func metricsMux(m *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func diagLogPath() string {
	if p := os.Getenv("FLUENTCAP_LOG_PATH"); p != "" {
		return p
	}
	return "/tmp/fluentcap-debug.log"
}

// initLogging writes JSON logs to a rotating file under ~/.cache/fluentcap
// and warnings to stderr.
func initLogging(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	dir := ipc.DefaultDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "fluentcap-core.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), lvl),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.WarnLevel),
	)
	return zap.New(core).Named("fluentcap-core").Sugar(), nil
}

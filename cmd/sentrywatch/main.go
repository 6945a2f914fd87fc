// Package main — cmd/sentrywatch/main.go
//
// sentrywatch alarm engine entrypoint.
//
// Startup sequence:
//  1. Load and validate config from -config (default
//     /etc/sentrywatch/config.yaml).
//  2. Initialise structured logger (zap, JSON or console per log_format).
//  3. Open the audit ledger (BoltDB), if enabled.
//  4. Start the Prometheus metrics server.
//  5. Build alarm instances from config and open the AlarmService (which
//     opens the WAL and replays it to rebuild bucket state).
//  6. Start the ingestion gRPC server (metric Put).
//  7. Start the admin gRPC server (Status, Shutdown) and the gRPC health
//     service.
//  8. Start the tick loop.
//  9. Register SIGHUP handler for alarm-definition hot-reload.
// 10. Block on SIGINT/SIGTERM, or an admin-triggered shutdown.
//
// Shutdown sequence:
//  1. Cancel the root context (propagates to every server goroutine).
//  2. Stop the tick loop.
//  3. Close the AlarmService: it drains whatever Consume call the
//     ingestion goroutine already has in flight, then closes the WAL.
//  4. Close the ledger. Errors from steps 3 and 4 are combined with
//     go.uber.org/multierr rather than the first one shadowing the rest.
//  5. Flush the logger.
//
// On config validation failure, or WAL open/replay failure: exit 1
// immediately (no partial state).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sentrywatch/sentrywatch/internal/admin"
	"github.com/sentrywatch/sentrywatch/internal/alarm"
	"github.com/sentrywatch/sentrywatch/internal/alarmservice"
	"github.com/sentrywatch/sentrywatch/internal/config"
	"github.com/sentrywatch/sentrywatch/internal/ingestion"
	"github.com/sentrywatch/sentrywatch/internal/ledger"
	"github.com/sentrywatch/sentrywatch/internal/observability"
)

func main() {
	configPath := flag.String("config", "/etc/sentrywatch/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentrywatch %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sentrywatch starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ledgerDB *ledger.DB
	if cfg.Ledger.Enabled {
		ledgerDB, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Ledger.Path))
		}
		log.Info("ledger opened", zap.String("path", cfg.Ledger.Path))
	} else {
		log.Info("ledger disabled")
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	var notifier alarm.Notifier = alarm.Multi{Notifiers: []alarm.Notifier{
		alarm.Logging{Log: log},
		transitionCounter{metrics: metrics},
	}}
	if ledgerDB != nil {
		notifier = alarm.Multi{Notifiers: []alarm.Notifier{
			alarm.Logging{Log: log},
			alarm.LedgerNotifier{Writer: ledgerDB.AsNotifierWriter(), Log: log},
			transitionCounter{metrics: metrics},
		}}
	}

	instances, err := buildAlarms(cfg.Alarms, notifier)
	if err != nil {
		log.Fatal("alarm configuration invalid", zap.Error(err))
	}

	svc, err := alarmservice.New(alarmservice.Config{
		StoragePath:       cfg.WAL.Dir,
		MaxSizePerPageWAL: cfg.WAL.MaxSizePerPage,
	}, instances, log, metrics)
	if err != nil {
		log.Fatal("alarm service open failed", zap.Error(err))
	}
	log.Info("alarm service ready", zap.Int("alarms", len(instances)))

	ingestSrv := ingestion.NewServer(svc, cfg.Ingestion.QueueDepth, log)
	go ingestSrv.Run(ctx)
	go func() {
		if err := ingestion.ListenAndServe(ctx, cfg.Ingestion.ListenAddr, ingestSrv, log); err != nil {
			log.Error("ingestion server error", zap.Error(err))
		}
	}()

	adminSrv := admin.NewServer(svc, log)
	go func() {
		if err := admin.ListenAndServe(ctx, cfg.Admin.ListenAddr, adminSrv, log); err != nil {
			log.Error("admin server error", zap.Error(err))
		}
	}()
	go serveHealth(ctx, cfg.Admin.HealthListenAddr, log)

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		runTickLoop(ctx, svc, cfg.TickInterval)
	}()
	log.Info("tick loop started", zap.Duration("interval", cfg.TickInterval))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading alarm definitions...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			reloadAlarms(svc, newCfg.Alarms, notifier, log)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-adminSrv.ShutdownRequested():
		log.Info("shutdown requested via admin RPC")
	}

	cancel()

	select {
	case <-tickDone:
	case <-time.After(5 * time.Second):
		log.Warn("tick loop did not stop within timeout")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if err := svc.Shutdown(shutdownCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if ledgerDB != nil {
		if err := ledgerDB.Close(); err != nil {
			shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("close ledger: %w", err))
		}
	}
	if shutdownErr != nil {
		log.Error("shutdown completed with errors", zap.Error(shutdownErr))
	} else {
		log.Info("sentrywatch shutdown complete")
	}
}

// transitionCounter increments the raised/cleared Prometheus counter on
// every edge transition, without otherwise acting on the event.
type transitionCounter struct {
	metrics *observability.Metrics
}

func (t transitionCounter) Notify(e alarm.Event) {
	t.metrics.AlarmTransitionsTotal.WithLabelValues(e.AlarmID, e.Kind.String()).Inc()
}

// buildAlarms converts every AlarmDefinition into a registered
// alarm.Instance. Combination alarms reference sibling tag-based
// definitions by id via a "leaf_id" expression node.
func buildAlarms(defs []config.AlarmDefinition, notifier alarm.Notifier) ([]alarm.Instance, error) {
	byID := make(map[string]alarm.TagBasedAlarmConfig, len(defs))
	for _, d := range defs {
		if d.Kind != "tag_based" {
			continue
		}
		cfg, err := d.ToAlarmConfig()
		if err != nil {
			return nil, fmt.Errorf("alarm %q: %w", d.ID, err)
		}
		byID[d.ID] = cfg.TagBased
	}

	instances := make([]alarm.Instance, 0, len(defs))
	for _, d := range defs {
		switch d.Kind {
		case "tag_based":
			tb := byID[d.ID]
			instances = append(instances, alarm.NewTagBasedInstance(d.ID, tb, notifier))
		case "combination":
			expr, err := buildExpr(d.Combination.Expr, byID)
			if err != nil {
				return nil, fmt.Errorf("alarm %q: %w", d.ID, err)
			}
			comb := alarm.CombinationAlarmConfig{
				Expr:              expr,
				TimeWindowMinutes: int64(d.Combination.TimeWindowMinutes),
			}
			instances = append(instances, alarm.NewCombinationInstance(d.ID, comb, notifier))
		default:
			return nil, fmt.Errorf("alarm %q: unknown kind %q", d.ID, d.Kind)
		}
	}
	return instances, nil
}

func buildExpr(e config.ExprDefinition, byID map[string]alarm.TagBasedAlarmConfig) (*alarm.AlarmLogicalOperator, error) {
	switch {
	case e.LeafID != "":
		leaf, ok := byID[e.LeafID]
		if !ok {
			return nil, fmt.Errorf("unknown leaf_id %q", e.LeafID)
		}
		return alarm.Identity(leaf), nil
	case e.Not != nil:
		operand, err := buildExpr(*e.Not, byID)
		if err != nil {
			return nil, err
		}
		return alarm.Not(operand), nil
	case e.Identity != nil:
		return buildExpr(*e.Identity, byID)
	case len(e.And) == 2:
		l, err := buildExpr(e.And[0], byID)
		if err != nil {
			return nil, err
		}
		r, err := buildExpr(e.And[1], byID)
		if err != nil {
			return nil, err
		}
		return alarm.And(l, r), nil
	case len(e.Or) == 2:
		l, err := buildExpr(e.Or[0], byID)
		if err != nil {
			return nil, err
		}
		r, err := buildExpr(e.Or[1], byID)
		if err != nil {
			return nil, err
		}
		return alarm.Or(l, r), nil
	default:
		return nil, fmt.Errorf("expression node has no recognised variant")
	}
}

// reloadAlarms applies a non-destructive hot-reload: alarms whose id is
// unchanged keep their bucket state; new ids are added cold; removed
// ids are deleted. WAL path, ledger path, and listen addresses are
// destructive and require a restart to change — they are ignored here.
func reloadAlarms(svc *alarmservice.AlarmService, defs []config.AlarmDefinition, notifier alarm.Notifier, log *zap.Logger) {
	instances, err := buildAlarms(defs, notifier)
	if err != nil {
		log.Error("hot-reload rejected: invalid alarm definitions", zap.Error(err))
		return
	}

	wanted := make(map[string]bool, len(instances))
	for _, inst := range instances {
		wanted[inst.Identifier()] = true
	}

	for _, snap := range svc.Snapshot() {
		if !wanted[snap.ID] {
			svc.Delete(snap.ID)
			log.Info("alarm removed on hot-reload", zap.String("alarm_id", snap.ID))
		}
	}

	added := 0
	for _, inst := range instances {
		if err := svc.Add(inst); err == nil {
			added++
			log.Info("alarm added on hot-reload", zap.String("alarm_id", inst.Identifier()))
		}
	}
	log.Info("config hot-reload complete", zap.Int("added", added), zap.Int("total_requested", len(instances)))
}

func runTickLoop(ctx context.Context, svc *alarmservice.AlarmService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			svc.Tick(now.UnixMilli())
		}
	}
}

// serveHealth runs the standard gRPC health service on its own listener,
// independent of the admin and ingestion surfaces (which use the json
// codec) so a well-known client library can probe liveness without any
// sentrywatch-specific wiring.
func serveHealth(ctx context.Context, addr string, log *zap.Logger) {
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("health listener failed", zap.Error(err), zap.String("addr", addr))
		return
	}

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()
	}()

	log.Info("health server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcSrv.Serve(lis); err != nil {
		log.Error("health grpc serve error", zap.Error(err))
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

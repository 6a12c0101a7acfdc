// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// ratewalld is the traffic-policing daemon: it watches per-address byte
// counters and installs nftables bans or rate limits on addresses that
// cross configured sliding-window thresholds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ratewall/internal/config"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/metrics"
	"grimm.is/ratewall/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ratewalld:", err)
		os.Exit(1)
	}
}

// syslogConfig maps the config file's syslog block, with flag overrides,
// onto the logging package's sink configuration. A host from either source
// enables forwarding.
func syslogConfig(cfg *config.SyslogConfig, hostFlag string, portFlag int) logging.SyslogConfig {
	sc := logging.DefaultSyslogConfig()
	if cfg != nil {
		sc.Enabled = true
		sc.Host = cfg.Host
		if cfg.Port != 0 {
			sc.Port = cfg.Port
		}
		if cfg.Protocol != "" {
			sc.Protocol = cfg.Protocol
		}
		if cfg.Tag != "" {
			sc.Tag = cfg.Tag
		}
		if cfg.Facility != 0 {
			sc.Facility = cfg.Facility
		}
	}
	if hostFlag != "" {
		sc.Enabled = true
		sc.Host = hostFlag
	}
	if portFlag != 0 {
		sc.Port = portFlag
	}
	return sc
}

func run() error {
	var (
		configPath  = flag.String("config", "/etc/ratewall/ratewall.hcl", "path to the HCL configuration file")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON     = flag.Bool("log-json", false, "emit JSON log lines")
		syslogHost  = flag.String("log-syslog-host", "", "forward logs to this syslog host (overrides config)")
		syslogPort  = flag.Int("log-syslog-port", 0, "syslog port (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "listen address for the Prometheus endpoint (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.JSON = *logJSON
	switch *logLevel {
	case "debug":
		logCfg.Level = slog.LevelDebug
	case "info":
		logCfg.Level = slog.LevelInfo
	case "warn":
		logCfg.Level = slog.LevelWarn
	case "error":
		logCfg.Level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", *logLevel)
	}
	logCfg.Syslog = syslogConfig(cfg.Syslog, *syslogHost, *syslogPort)
	logger := logging.New(logCfg)
	logger.SetDefault()

	listen := *metricsAddr
	if listen == "" && cfg.Metrics != nil {
		listen = cfg.Metrics.Listen
	}
	if listen != "" {
		if err := metrics.Default.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics endpoint listening", "addr", listen)
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, logger)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return orch.Stop(stopCtx)
		case <-reload:
			logger.Info("reload signal received")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				logger.Error("reload failed, keeping previous configuration", "error", err)
				continue
			}
			if _, err := orch.Reload(newCfg); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

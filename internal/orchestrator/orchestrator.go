// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator wires the executor pool, firewall controller, rule
// engine and traffic monitor together and owns their shutdown order.
package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"grimm.is/ratewall/internal/config"
	"grimm.is/ratewall/internal/engine"
	"grimm.is/ratewall/internal/errors"
	"grimm.is/ratewall/internal/executor"
	"grimm.is/ratewall/internal/firewall"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/monitor"
	"grimm.is/ratewall/internal/services"
	"grimm.is/ratewall/internal/traffic"
)

// noopSampler stands in when no kernel counter source is available.
type noopSampler struct{}

func (noopSampler) Sample() (map[netip.Addr]monitor.Counters, error) { return nil, nil }
func (noopSampler) Close() error                                     { return nil }

// firewallProgram is the CLI every mutation is driven through. Interactive
// mode keeps one process serving many commands; echo+handle output is what
// the parser consumes.
const firewallProgram = "nft"

var firewallArgs = []string{"--interactive", "--echo", "--handle"}

// Orchestrator builds and runs the daemon's component stack. It implements
// services.Service.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	lastErr string

	pool *executor.Pool
	fw   *firewall.Controller
	eng  *engine.Engine
	mon  *monitor.Service
}

// New prepares an orchestrator; nothing is started until Start.
func New(cfg *config.Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.WithComponent("orchestrator")
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Name implements services.Service.
func (o *Orchestrator) Name() string { return "ratewall" }

// Status implements services.Service.
func (o *Orchestrator) Status() services.ServiceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return services.ServiceStatus{Name: o.Name(), Running: o.running, Error: o.lastErr}
}

// Start constructs the executor pool, firewall controller, rule engine and
// monitor, then launches the engine loop and the sampler.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New(errors.KindConflict, "orchestrator already running")
	}

	execCfg := executor.DefaultConfig(firewallProgram, firewallArgs...)
	execCfg.MaxPoolSize = o.cfg.Executor.PoolSize
	execCfg.MaxProcessAge = time.Duration(o.cfg.Executor.MaxAgeSecs) * time.Second
	execCfg.MaxCommands = o.cfg.Executor.MaxCommands
	o.pool = executor.New(execCfg, logging.WithComponent("executor"))

	fw, err := firewall.New(ctx, *o.cfg, o.pool, logging.WithComponent("firewall"))
	if err != nil {
		o.pool.Cleanup()
		return err
	}
	o.fw = fw

	rules, err := engine.CompileRules(o.cfg.Rules)
	if err != nil {
		o.pool.Cleanup()
		return err
	}

	stats := traffic.NewMap()
	o.eng = engine.New(rules, stats, fw, o.cfg.Hook, logging.WithComponent("engine"))

	var sampler monitor.Sampler
	if cs, err := monitor.NewConntrackSampler(); err != nil {
		// The engine still runs; it just never sees counters. This keeps
		// development machines and mock-mode CI useful.
		o.logger.Warn("counter sampler unavailable", "error", err)
		sampler = noopSampler{}
	} else {
		sampler = cs
	}
	o.mon = monitor.NewService(logging.WithComponent("monitor"), sampler, stats, time.Second)

	interval := time.Duration(o.cfg.CheckInterval) * time.Second
	go o.eng.Run(context.WithoutCancel(ctx), interval)
	o.mon.Start()

	o.running = true
	o.lastErr = ""
	o.logger.Info("ratewall started",
		"rules", len(rules),
		"pool_size", o.cfg.Executor.PoolSize,
		"mock", o.pool.IsMock())
	return nil
}

// Stop signals the engine, waits for its loop to exit, stops the monitor,
// tears down the firewall table plus the auxiliary monitor table, and
// drains the pool.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}

	if err := o.eng.Signals().Stop(); err != nil {
		o.logger.Warn("engine stop signal failed", "error", err)
	}
	select {
	case <-o.eng.Done():
	case <-ctx.Done():
		o.logger.Warn("timed out waiting for engine loop")
	}

	o.mon.Stop()

	if err := o.fw.Cleanup(ctx); err != nil {
		o.logger.Error("firewall cleanup failed", "error", err)
		o.lastErr = err.Error()
	}
	// Legacy counter-based samplers install an auxiliary table; tear it
	// down unconditionally, it is a no-op when absent.
	if err := o.pool.Input(ctx, fmt.Sprintf("delete table inet %s", o.cfg.MonitorTable)); err != nil {
		o.logger.Debug("monitor table teardown", "error", err)
	}

	o.pool.Cleanup()
	o.running = false
	o.logger.Info("ratewall stopped")
	return nil
}

// Reload swaps the rule list and extends the global exclusion set without
// restarting any component. It never restarts, so it always returns false.
func (o *Orchestrator) Reload(cfg *config.Config) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false, errors.New(errors.KindConflict, "orchestrator not running")
	}

	rules, err := engine.CompileRules(cfg.Rules)
	if err != nil {
		return false, err
	}
	excl, err := config.ParseExcludeSet(cfg.GlobalExclude)
	if err != nil {
		return false, errors.Wrap(err, errors.KindValidation, "parse global_exclude")
	}

	o.eng.SetRules(rules)
	for addr := range excl {
		if !o.fw.IsExcluded(addr) {
			if err := o.fw.AddExclude(addr); err != nil {
				o.logger.Warn("exclude add failed", "address", addr, "error", err)
			}
		}
	}
	o.cfg = cfg
	o.logger.Info("configuration reloaded", "rules", len(rules))
	return false, nil
}

// Engine exposes the running engine for control-plane callers.
func (o *Orchestrator) Engine() *engine.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.eng
}

// Firewall exposes the controller for diagnostics.
func (o *Orchestrator) Firewall() *firewall.Controller {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fw
}

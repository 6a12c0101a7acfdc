// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine evaluates sliding-window byte-rate rules over the shared
// traffic counter map and drives the firewall controller: installing bans
// and rate limits on threshold crossings, and tearing down finite rules
// once they expire.
package engine

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/config"
	"grimm.is/ratewall/internal/errors"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/metrics"
	"grimm.is/ratewall/internal/traffic"
)

// concurrentSize bounds the per-address evaluation fan-out within one tick.
const concurrentSize = 10

// Firewall is the decision surface the engine needs from the controller.
type Firewall interface {
	IsExcluded(addr netip.Addr) bool
	Ban(ctx context.Context, addr netip.Addr, secs *int64) (string, error)
	Limit(ctx context.Context, addr netip.Addr, kbps int64, burst, secs *int64) (string, error)
	IsExpiration(id string, secs int64) bool
	Unblock(ctx context.Context, id string) error
}

// Rule is a compiled rate rule: the configured triple plus its parsed
// exclusion set.
type Rule struct {
	WindowSecs   int
	ThresholdBPS uint64
	Action       config.Action
	exclude      map[netip.Addr]struct{}
}

// CompileRules turns validated rule configs into engine rules.
func CompileRules(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, rc := range cfgs {
		if rc.WindowSecs <= 0 || rc.WindowSecs > maxWindowBuffer {
			return nil, errors.Errorf(errors.KindValidation, "rule[%d]: window_secs out of range", i)
		}
		excl, err := config.ParseExcludeSet(rc.Exclude)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "rule[%d]: exclude", i)
		}
		rules = append(rules, Rule{
			WindowSecs:   rc.WindowSecs,
			ThresholdBPS: uint64(rc.ThresholdBPS),
			Action:       rc.Action,
			exclude:      excl,
		})
	}
	return rules, nil
}

func (r *Rule) isExcluded(addr netip.Addr) bool {
	_, ok := r.exclude[addr]
	return ok
}

// Engine walks the counter map on a fixed period, folds samples into
// per-address windows, and applies rule actions through the firewall.
type Engine struct {
	mu    sync.RWMutex // guards rules (swapped on reload)
	rules []Rule

	stats *traffic.Map
	fw    Firewall
	hook  config.Hook

	windowsMu sync.Mutex
	windows   map[netip.Addr]*window

	handlesMu sync.Mutex
	handles   map[netip.Addr][]string

	sc     *SignalController
	logger *logging.Logger
	clock  clock.Clock

	done chan struct{}
}

// New builds an Engine over the shared counter map.
func New(rules []Rule, stats *traffic.Map, fw Firewall, hook config.Hook, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("engine")
	}
	return &Engine{
		rules:   rules,
		stats:   stats,
		fw:      fw,
		hook:    hook,
		windows: make(map[netip.Addr]*window),
		handles: make(map[netip.Addr][]string),
		sc:      NewSignalController(),
		logger:  logger,
		clock:   clock.Real,
		done:    make(chan struct{}),
	}
}

// Signals exposes the pause/resume/stop controller.
func (e *Engine) Signals() *SignalController { return e.sc }

// SetRules swaps the rule list, used on configuration reload. Windows and
// installed-rule bookkeeping survive the swap.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Done is closed when the main loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run is the engine main loop. It multiplexes the control channel and the
// tick timer; ticks are only serviced while Running. Run returns when Stop
// is signalled or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	e.logger.Info("rule engine starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-e.sc.control:
			switch sig {
			case SignalPause:
				e.logger.Info("rule engine pausing")
				e.sc.running.Store(false)
			case SignalResume:
				e.logger.Info("rule engine resuming")
				e.sc.running.Store(true)
			case SignalStop:
				e.logger.Info("rule engine stopping")
				e.sc.running.Store(false)
				e.sc.stopped.Store(true)
				return
			}

		case <-e.sc.resumeCh:
			// Wakes the loop promptly out of a pause; the state change
			// itself arrives on the control channel.

		case <-ticker.C:
			if !e.sc.Running() {
				continue
			}
			start := e.clock.Now()
			if err := e.CheckAndApply(ctx); err != nil {
				e.logger.Error("check and apply failed", "error", err)
			}
			metrics.Default.TickSeconds.Observe(e.clock.Now().Sub(start).Seconds())

		case <-ctx.Done():
			e.logger.Info("rule engine context cancelled")
			e.sc.stopped.Store(true)
			return
		}
	}
}

// addrWindow pairs one address with the window snapshot evaluated this tick.
type addrWindow struct {
	addr netip.Addr
	win  window
}

// CheckAndApply runs one evaluation tick: snapshot every address's counters
// into its window, then fan out rule evaluation with bounded concurrency.
// Per-address failures are logged and do not abort the tick.
func (e *Engine) CheckAndApply(ctx context.Context) error {
	now := e.clock.Now()

	// Snapshot phase, serial: advance each window by at most one slot.
	var snaps []addrWindow
	e.stats.Range(func(addr netip.Addr, s traffic.Stats) bool {
		var sample uint64
		if e.hook == config.HookOutput {
			sample = s.TxDelta
		} else {
			sample = s.RxDelta
		}

		e.windowsMu.Lock()
		w, ok := e.windows[addr]
		if !ok {
			w = newWindow(now)
			e.windows[addr] = w
		}
		w.advance(now, sample)
		snap := w.snapshot()
		e.windowsMu.Unlock()

		snaps = append(snaps, addrWindow{addr: addr, win: snap})
		return true
	})

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	// Evaluation phase, bounded fan-out. Rules for one address run
	// strictly in order; addresses run in no particular order.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrentSize)
	for _, snap := range snaps {
		g.Go(func() error {
			if e.fw.IsExcluded(snap.addr) {
				return nil
			}
			if err := e.evaluate(gctx, snap.addr, snap.win, rules); err != nil {
				e.logger.Error("rule evaluation failed", "address", snap.addr, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate applies the rules in order to one address's window snapshot;
// after each rule it sweeps that address's expired installs under that
// rule's duration.
func (e *Engine) evaluate(ctx context.Context, addr netip.Addr, win window, rules []Rule) error {
	for i := range rules {
		rule := &rules[i]
		if rule.isExcluded(addr) {
			continue
		}

		avg := win.average(rule.WindowSecs)
		e.logger.Debug("windowed average", "address", addr, "bps", avg, "threshold", rule.ThresholdBPS)

		if avg > rule.ThresholdBPS {
			var id string
			var err error
			switch rule.Action.Kind {
			case config.ActionRateLimit:
				id, err = e.fw.Limit(ctx, addr, rule.Action.KBPS, rule.Action.Burst, rule.Action.Seconds)
			case config.ActionBan:
				id, err = e.fw.Ban(ctx, addr, rule.Action.Seconds)
			}
			if err != nil {
				return err
			}
			e.recordHandle(addr, id)
		}

		if err := e.sweepExpirations(ctx, addr, rule); err != nil {
			return err
		}
	}
	return nil
}

// recordHandle appends id to the address's installed-rule list unless the
// list already contains it.
func (e *Engine) recordHandle(addr netip.Addr, id string) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	for _, existing := range e.handles[addr] {
		if existing == id {
			return
		}
	}
	e.handles[addr] = append(e.handles[addr], id)
}

// sweepExpirations removes installs for addr that have outlived the rule's
// finite duration. Indefinite actions are never auto-expired. Ids are
// pruned from the engine's list once the firewall confirms removal.
func (e *Engine) sweepExpirations(ctx context.Context, addr netip.Addr, rule *Rule) error {
	if rule.Action.Seconds == nil {
		return nil
	}
	secs := *rule.Action.Seconds

	e.handlesMu.Lock()
	ids := make([]string, len(e.handles[addr]))
	copy(ids, e.handles[addr])
	e.handlesMu.Unlock()

	var expired []string
	for _, id := range ids {
		if !e.fw.IsExpiration(id, secs) {
			continue
		}
		e.logger.Info("rule expired", "address", addr, "id", id)
		if err := e.fw.Unblock(ctx, id); err != nil {
			return err
		}
		expired = append(expired, id)
	}
	if len(expired) == 0 {
		return nil
	}

	e.handlesMu.Lock()
	kept := e.handles[addr][:0]
	for _, id := range e.handles[addr] {
		drop := false
		for _, x := range expired {
			if id == x {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(e.handles, addr)
	} else {
		e.handles[addr] = kept
	}
	e.handlesMu.Unlock()
	return nil
}

// TrackedAddresses reports how many addresses currently have windows.
func (e *Engine) TrackedAddresses() int {
	e.windowsMu.Lock()
	defer e.windowsMu.Unlock()
	return len(e.windows)
}

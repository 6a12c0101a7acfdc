// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall translates rule-engine decisions into nftables script
// commands, tracking every rule it installs so bans and limits are
// idempotent and expirations can be torn down without reading back kernel
// state.
package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/config"
	"grimm.is/ratewall/internal/errors"
	"grimm.is/ratewall/internal/executor"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/metrics"
)

// Executor is the command surface the controller needs from the subprocess
// pool.
type Executor interface {
	Execute(ctx context.Context, cmd string) (string, error)
	Input(ctx context.Context, cmd string) error
	ExecuteBatch(ctx context.Context, cmds []string) (string, error)
}

// Rule is one entry in the controller's registry: an installed firewall
// rule the controller owns and can later tear down.
type Rule struct {
	ID        string
	Address   netip.Addr
	Action    config.Action
	CreatedAt time.Time
	Handle    string
}

// Status summarizes the registry for diagnostics.
type Status struct {
	ActiveRules  int
	ExpiredRules int
}

// Controller is the idempotent, handle-tracking facade over the firewall
// CLI's subprocess pool.
type Controller struct {
	family    string
	tableName string
	chainName string
	hook      config.Hook
	priority  int64
	policy    config.Policy

	exec   Executor
	logger *logging.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	registry map[string]Rule

	excludeMu sync.RWMutex
	exclude   map[netip.Addr]struct{}
}

// New constructs a Controller and runs its idempotent table/chain init.
func New(ctx context.Context, cfg config.Config, exec Executor, logger *logging.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	excl, err := config.ParseExcludeSet(cfg.GlobalExclude)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parse global_exclude")
	}

	c := &Controller{
		family:    cfg.Family,
		tableName: cfg.TableName,
		chainName: cfg.ChainName,
		hook:      cfg.Hook,
		priority:  cfg.Priority,
		policy:    cfg.Policy,
		exec:      exec,
		logger:    logger,
		clock:     clock.Real,
		registry:  make(map[string]Rule),
		exclude:   excl,
	}
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// init creates the table and chain as a single batch. A timeout here means
// a previous run already installed them, so it is logged and swallowed.
func (c *Controller) init(ctx context.Context) error {
	sb := NewScriptBuilder(c.tableName, c.family)
	sb.AddTable()
	sb.AddChain(c.chainName, string(c.hook), c.priority, string(c.policy))

	if _, err := c.exec.ExecuteBatch(ctx, sb.Commands()); err != nil {
		if errors.GetKind(err) == errors.KindTimeout {
			c.logger.Warn("firewall init timed out, assuming table/chain already exist",
				"table", c.tableName, "chain", c.chainName)
			return nil
		}
		return errors.Wrap(err, errors.KindInternal, "init table/chain")
	}
	return nil
}

// direction returns the match keyword selected by the configured hook.
func (c *Controller) direction() string {
	if c.hook == config.HookOutput {
		return "daddr"
	}
	return "saddr"
}

func addrFamily(addr netip.Addr) string {
	if addr.Is4() {
		return "ip"
	}
	return "ip6"
}

// IsExcluded reports whether addr is in the global exclusion set.
func (c *Controller) IsExcluded(addr netip.Addr) bool {
	c.excludeMu.RLock()
	defer c.excludeMu.RUnlock()
	_, ok := c.exclude[addr]
	return ok
}

// AddExclude adds addr to the global exclusion set, erroring if already present.
func (c *Controller) AddExclude(addr netip.Addr) error {
	c.excludeMu.Lock()
	defer c.excludeMu.Unlock()
	if _, ok := c.exclude[addr]; ok {
		return errors.Errorf(errors.KindConflict, "address %s already excluded", addr)
	}
	c.exclude[addr] = struct{}{}
	return nil
}

// GetActiveRules returns a snapshot of the registry's current values.
func (c *Controller) GetActiveRules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, 0, len(c.registry))
	for _, r := range c.registry {
		out = append(out, r)
	}
	return out
}

// GetStatus reports registry size and how many finite entries have already
// outlived their configured duration.
func (c *Controller) GetStatus() Status {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{ActiveRules: len(c.registry)}
	for _, r := range c.registry {
		if r.Action.Seconds == nil {
			continue
		}
		if !now.Before(r.CreatedAt.Add(time.Duration(*r.Action.Seconds) * time.Second)) {
			st.ExpiredRules++
		}
	}
	return st
}

// IsExpiration reports whether the rule named id has outlived secs. A
// missing id is never expired, so sweeping a just-removed id is a no-op.
func (c *Controller) IsExpiration(id string, secs int64) bool {
	c.mu.RLock()
	r, ok := c.registry[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.clock.Now().After(r.CreatedAt.Add(time.Duration(secs) * time.Second))
}

func banID(addr netip.Addr) string {
	return fmt.Sprintf("ban_%s", addr)
}

func banExpiryID(addr netip.Addr, expiry int64) string {
	return fmt.Sprintf("ban_%s_%d", addr, expiry)
}

func limitID(addr netip.Addr, kbps int64) string {
	return fmt.Sprintf("limit_%s_%d", addr, kbps)
}

func limitExpiryID(addr netip.Addr, kbps, expiry int64) string {
	return fmt.Sprintf("limit_%s_%d_%d", addr, kbps, expiry)
}

// InfinityBan installs an indefinite drop rule for addr, returning the
// existing id if one is already registered.
func (c *Controller) InfinityBan(ctx context.Context, addr netip.Addr) (string, error) {
	id := banID(addr)
	c.mu.RLock()
	if _, ok := c.registry[id]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	expr := fmt.Sprintf("%s %s %s drop", addrFamily(addr), c.direction(), addr)
	handle, err := c.addRule(ctx, expr)
	if err != nil {
		return "", err
	}
	c.insert(Rule{ID: id, Address: addr, Action: config.Ban(nil), CreatedAt: c.clock.Now(), Handle: handle})
	c.logger.Info("installed ban", "address", addr, "id", id)
	return id, nil
}

// Ban installs a (possibly finite) drop rule for addr. An existing ban for
// the address suppresses the install while created_at plus the REQUESTED
// duration is still in the future; the registered rule's own duration is
// deliberately not consulted.
func (c *Controller) Ban(ctx context.Context, addr netip.Addr, secs *int64) (string, error) {
	if secs == nil {
		return c.InfinityBan(ctx, addr)
	}

	now := c.clock.Now()
	c.mu.RLock()
	for _, r := range c.registry {
		if r.Address != addr || r.Action.Kind != config.ActionBan {
			continue
		}
		if r.CreatedAt.Add(time.Duration(*secs) * time.Second).After(now) {
			id := r.ID
			c.mu.RUnlock()
			return id, nil
		}
	}
	c.mu.RUnlock()

	expiry := now.Add(time.Duration(*secs) * time.Second).Unix()
	id := banExpiryID(addr, expiry)
	expr := fmt.Sprintf("%s %s %s drop", addrFamily(addr), c.direction(), addr)
	handle, err := c.addRule(ctx, expr)
	if err != nil {
		return "", err
	}
	c.insert(Rule{ID: id, Address: addr, Action: config.Ban(secs), CreatedAt: now, Handle: handle})
	c.logger.Info("installed ban", "address", addr, "id", id, "seconds", *secs)
	return id, nil
}

// InfinityLimit installs an indefinite rate-limit-and-drop rule.
func (c *Controller) InfinityLimit(ctx context.Context, addr netip.Addr, kbps int64, burst *int64) (string, error) {
	id := limitID(addr, kbps)
	c.mu.RLock()
	if r, ok := c.registry[id]; ok && r.Action.KBPS == kbps {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	action := config.RateLimit(kbps, burst, nil)
	expr := fmt.Sprintf("%s %s %s limit rate %d kbytes/second burst %d kbytes drop",
		addrFamily(addr), c.direction(), addr, kbps, action.EffectiveBurst())
	handle, err := c.addRule(ctx, expr)
	if err != nil {
		return "", err
	}
	c.insert(Rule{ID: id, Address: addr, Action: action, CreatedAt: c.clock.Now(), Handle: handle})
	c.logger.Info("installed rate limit", "address", addr, "id", id, "kbps", kbps)
	return id, nil
}

// Limit installs a (possibly finite) rate-limit-and-drop rule. The
// duplicate-suppression key is (kbps, seconds); burst is deliberately not
// part of it.
func (c *Controller) Limit(ctx context.Context, addr netip.Addr, kbps int64, burst, secs *int64) (string, error) {
	if secs == nil {
		return c.InfinityLimit(ctx, addr, kbps, burst)
	}

	now := c.clock.Now()
	c.mu.RLock()
	for _, r := range c.registry {
		if r.Address != addr || r.Action.Kind != config.ActionRateLimit || r.Action.Seconds == nil {
			continue
		}
		if r.Action.KBPS == kbps && *r.Action.Seconds == *secs &&
			r.CreatedAt.Add(time.Duration(*r.Action.Seconds)*time.Second).After(now) {
			id := r.ID
			c.mu.RUnlock()
			return id, nil
		}
	}
	c.mu.RUnlock()

	expiry := now.Add(time.Duration(*secs) * time.Second).Unix()
	id := limitExpiryID(addr, kbps, expiry)
	action := config.RateLimit(kbps, burst, secs)
	expr := fmt.Sprintf("%s %s %s limit rate %d kbytes/second burst %d kbytes drop",
		addrFamily(addr), c.direction(), addr, kbps, action.EffectiveBurst())
	handle, err := c.addRule(ctx, expr)
	if err != nil {
		return "", err
	}
	c.insert(Rule{ID: id, Address: addr, Action: action, CreatedAt: now, Handle: handle})
	c.logger.Info("installed rate limit", "address", addr, "id", id, "kbps", kbps, "seconds", *secs)
	return id, nil
}

// Unblock deletes the installed rule named id and removes it from the registry.
func (c *Controller) Unblock(ctx context.Context, id string) error {
	c.mu.RLock()
	r, ok := c.registry[id]
	c.mu.RUnlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "unknown rule id %q", id)
	}

	cmd := fmt.Sprintf("delete rule %s %s %s handle %s", c.family, quote(c.tableName), quote(c.chainName), r.Handle)
	if err := c.exec.Input(ctx, cmd); err != nil {
		return errors.Wrap(err, errors.KindInternal, "delete rule")
	}

	c.mu.Lock()
	delete(c.registry, id)
	n := len(c.registry)
	c.mu.Unlock()

	metrics.Default.RulesRemoved.Inc()
	metrics.Default.ActiveRules.Set(float64(n))
	c.logger.Info("removed rule", "id", id, "address", r.Address)
	return nil
}

// Flush removes every rule in the chain and clears the registry, returning
// the number of entries it held.
func (c *Controller) Flush(ctx context.Context) (int, error) {
	cmd := fmt.Sprintf("flush chain %s %s %s", c.family, quote(c.tableName), quote(c.chainName))
	if err := c.exec.Input(ctx, cmd); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "flush chain")
	}

	c.mu.Lock()
	n := len(c.registry)
	c.registry = make(map[string]Rule)
	c.mu.Unlock()
	metrics.Default.ActiveRules.Set(0)
	return n, nil
}

// Cleanup deletes the table entirely and clears the registry. Idempotent.
func (c *Controller) Cleanup(ctx context.Context) error {
	cmd := fmt.Sprintf("delete table %s %s", c.family, quote(c.tableName))
	err := c.exec.Input(ctx, cmd)

	c.mu.Lock()
	c.registry = make(map[string]Rule)
	c.mu.Unlock()
	metrics.Default.ActiveRules.Set(0)

	if err != nil && errors.GetKind(err) != errors.KindTimeout {
		return errors.Wrap(err, errors.KindInternal, "delete table")
	}
	return nil
}

// ListChain returns the firewall program's listing of the managed chain.
func (c *Controller) ListChain(ctx context.Context) (string, error) {
	cmd := fmt.Sprintf("list chain %s %s %s", c.family, quote(c.tableName), quote(c.chainName))
	return c.exec.Execute(ctx, cmd)
}

// ListTables returns the firewall program's table listing.
func (c *Controller) ListTables(ctx context.Context) (string, error) {
	return c.exec.Execute(ctx, "list tables")
}

// BatchBan installs a drop rule for every address in ips as a single
// executor batch, registering each with the same expiry. No duplicate
// suppression is applied.
func (c *Controller) BatchBan(ctx context.Context, ips []netip.Addr, secs int64) ([]string, error) {
	if len(ips) == 0 {
		return nil, nil
	}

	batchID := uuid.NewString()
	cmds := make([]string, len(ips))
	for i, addr := range ips {
		cmds[i] = fmt.Sprintf("add rule %s %s %s %s %s %s drop",
			c.family, quote(c.tableName), quote(c.chainName), addrFamily(addr), c.direction(), addr)
	}

	raw, err := c.exec.ExecuteBatch(ctx, cmds)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "batch ban")
	}
	objs, err := executor.ParseOutput(raw)
	if err != nil {
		return nil, err
	}

	var handles []string
	for _, o := range objs {
		if a, ok := o.(executor.Add); ok {
			handles = append(handles, fmt.Sprintf("%d", a.Handle))
		}
	}
	if len(handles) != len(ips) {
		return nil, errors.Errorf(errors.KindParseError, "batch_ban: expected %d handles, got %d", len(ips), len(handles))
	}

	now := c.clock.Now()
	expiry := now.Add(time.Duration(secs) * time.Second).Unix()
	ids := make([]string, len(ips))
	action := config.Ban(&secs)

	c.mu.Lock()
	for i, addr := range ips {
		id := banExpiryID(addr, expiry)
		c.registry[id] = Rule{ID: id, Address: addr, Action: action, CreatedAt: now, Handle: handles[i]}
		ids[i] = id
	}
	n := len(c.registry)
	c.mu.Unlock()

	metrics.Default.RulesInstalled.WithLabelValues("ban").Add(float64(len(ips)))
	metrics.Default.ActiveRules.Set(float64(n))
	c.logger.Info("batch ban applied", "batch_id", batchID, "addresses", len(ips), "seconds", secs)
	return ids, nil
}

// addRule submits one add-rule command and extracts the kernel handle from
// its response. The registry is only touched after the handle is known.
func (c *Controller) addRule(ctx context.Context, expr string) (string, error) {
	cmd := fmt.Sprintf("add rule %s %s %s %s", c.family, quote(c.tableName), quote(c.chainName), expr)
	raw, err := c.exec.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	objs, err := executor.ParseOutput(raw)
	if err != nil {
		return "", err
	}
	handle, err := executor.FirstHandle(objs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", handle), nil
}

func (c *Controller) insert(r Rule) {
	c.mu.Lock()
	c.registry[r.ID] = r
	n := len(c.registry)
	c.mu.Unlock()

	metrics.Default.RulesInstalled.WithLabelValues(string(r.Action.Kind)).Inc()
	metrics.Default.ActiveRules.Set(float64(n))
}

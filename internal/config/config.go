// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the shape of the daemon's external configuration.
// Files are HCL; Load decodes, normalizes and validates them. The rest of
// the core only ever sees the decoded shape.
package config

import (
	"fmt"
	"net/netip"

	"grimm.is/ratewall/internal/errors"
)

// Hook selects the chain direction: Input matches on source address,
// Output matches on destination address.
type Hook string

const (
	HookInput  Hook = "Input"
	HookOutput Hook = "Output"
)

// Policy is the chain's default verdict when no rule matches.
type Policy string

const (
	PolicyAccept Policy = "Accept"
	PolicyDrop   Policy = "Drop"
)

// Config is the top-level configuration the core consumes.
type Config struct {
	Family        string          `hcl:"family,optional"`
	TableName     string          `hcl:"table_name,optional"`
	ChainName     string          `hcl:"chain_name,optional"`
	Hook          Hook            `hcl:"hook,optional"`
	Priority      int64           `hcl:"priority,optional"`
	Policy        Policy          `hcl:"policy,optional"`
	GlobalExclude []string        `hcl:"global_exclude,optional"`
	CheckInterval int             `hcl:"check_interval_secs,optional"`
	MonitorTable  string          `hcl:"monitor_table,optional"`
	Rules         []RuleConfig    `hcl:"rule,block"`
	Executor      *ExecutorConfig `hcl:"executor,block"`
	Metrics       *MetricsConfig  `hcl:"metrics,block"`
	Syslog        *SyslogConfig   `hcl:"syslog,block"`
}

// RuleConfig is a single sliding-window rate rule. Exactly one of the
// rate_limit / ban blocks must be present.
type RuleConfig struct {
	WindowSecs   int             `hcl:"window_secs"`
	ThresholdBPS int64           `hcl:"threshold_bps"`
	Exclude      []string        `hcl:"exclude,optional"`
	RateLimitAct *RateLimitBlock `hcl:"rate_limit,block"`
	BanAct       *BanBlock       `hcl:"ban,block"`

	// Action is derived from the blocks above during Normalize.
	Action Action
}

// RateLimitBlock is the HCL form of a rate-limit action.
type RateLimitBlock struct {
	KBPS    int64  `hcl:"kbps"`
	Burst   *int64 `hcl:"burst,optional"`
	Seconds *int64 `hcl:"seconds,optional"`
}

// BanBlock is the HCL form of a ban action.
type BanBlock struct {
	Seconds *int64 `hcl:"seconds,optional"`
}

// ExecutorConfig controls the subprocess pool driving the firewall CLI.
type ExecutorConfig struct {
	PoolSize    int `hcl:"pool_size,optional"`
	MaxAgeSecs  int `hcl:"max_age_secs,optional"`
	MaxCommands int `hcl:"max_commands,optional"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional"` // e.g. "127.0.0.1:9341"; empty disables
}

// SyslogConfig forwards log lines to a remote syslog collector. Presence of
// the block enables forwarding.
type SyslogConfig struct {
	Host     string `hcl:"host"`
	Port     int    `hcl:"port,optional"`     // default 514
	Protocol string `hcl:"protocol,optional"` // "udp" (default) or "tcp"
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"`
}

// ActionKind distinguishes the two rule actions.
type ActionKind string

const (
	ActionRateLimit ActionKind = "rate_limit"
	ActionBan       ActionKind = "ban"
)

// Action is the verdict a rule applies once its threshold is crossed.
// Seconds == nil means indefinite.
type Action struct {
	Kind    ActionKind
	KBPS    int64 // only meaningful for ActionRateLimit
	Burst   *int64
	Seconds *int64
}

// RateLimit builds a rate-limiting action.
func RateLimit(kbps int64, burst, seconds *int64) Action {
	return Action{Kind: ActionRateLimit, KBPS: kbps, Burst: burst, Seconds: seconds}
}

// Ban builds a drop action.
func Ban(seconds *int64) Action {
	return Action{Kind: ActionBan, Seconds: seconds}
}

// EffectiveBurst returns the configured burst, defaulting to
// min(kbps, 1024) / 10 when unset.
func (a Action) EffectiveBurst() int64 {
	if a.Burst != nil {
		return *a.Burst
	}
	kbps := a.KBPS
	if kbps > 1024 {
		kbps = 1024
	}
	return kbps / 10
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Family:        "inet",
		TableName:     "traffic_filter",
		ChainName:     "traffic_input",
		Hook:          HookInput,
		Priority:      0,
		Policy:        PolicyAccept,
		CheckInterval: 1,
		MonitorTable:  "traffic_monitor",
		Executor: &ExecutorConfig{
			PoolSize:    5,
			MaxAgeSecs:  300,
			MaxCommands: 100,
		},
	}
}

// Normalize fills in zero-valued fields with their documented defaults and
// derives each rule's Action from its HCL block form.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Family == "" {
		c.Family = d.Family
	}
	if c.TableName == "" {
		c.TableName = d.TableName
	}
	if c.ChainName == "" {
		c.ChainName = d.ChainName
	}
	if c.Hook == "" {
		c.Hook = d.Hook
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MonitorTable == "" {
		c.MonitorTable = d.MonitorTable
	}
	if c.Executor == nil {
		c.Executor = &ExecutorConfig{}
	}
	if c.Executor.PoolSize == 0 {
		c.Executor.PoolSize = d.Executor.PoolSize
	}
	if c.Executor.MaxAgeSecs == 0 {
		c.Executor.MaxAgeSecs = d.Executor.MaxAgeSecs
	}
	if c.Executor.MaxCommands == 0 {
		c.Executor.MaxCommands = d.Executor.MaxCommands
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		switch {
		case r.RateLimitAct != nil:
			r.Action = RateLimit(r.RateLimitAct.KBPS, r.RateLimitAct.Burst, r.RateLimitAct.Seconds)
		case r.BanAct != nil:
			r.Action = Ban(r.BanAct.Seconds)
		}
	}
}

// Validate rejects malformed addresses, negative durations and zero windows.
func (c *Config) Validate() error {
	if c.Family != "ip" && c.Family != "ip6" && c.Family != "inet" {
		return errors.Errorf(errors.KindValidation, "family must be ip, ip6 or inet, got %q", c.Family)
	}
	if c.Hook != HookInput && c.Hook != HookOutput {
		return errors.Errorf(errors.KindValidation, "hook must be Input or Output, got %q", c.Hook)
	}
	if c.Policy != PolicyAccept && c.Policy != PolicyDrop {
		return errors.Errorf(errors.KindValidation, "policy must be Accept or Drop, got %q", c.Policy)
	}
	for _, addr := range c.GlobalExclude {
		if _, err := netip.ParseAddr(addr); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "invalid global_exclude address %q", addr)
		}
	}
	if s := c.Syslog; s != nil {
		if s.Host == "" {
			return errors.New(errors.KindValidation, "syslog: host is required")
		}
		if s.Protocol != "" && s.Protocol != "udp" && s.Protocol != "tcp" {
			return errors.Errorf(errors.KindValidation, "syslog: protocol must be udp or tcp, got %q", s.Protocol)
		}
		if s.Port < 0 || s.Port > 65535 {
			return errors.Errorf(errors.KindValidation, "syslog: port %d out of range", s.Port)
		}
		if s.Facility < 0 || s.Facility > 23 {
			return errors.Errorf(errors.KindValidation, "syslog: facility %d out of range", s.Facility)
		}
	}
	for i, r := range c.Rules {
		if r.WindowSecs <= 0 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: window_secs must be > 0", i)
		}
		if r.WindowSecs > 60 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: window_secs must be <= 60", i)
		}
		if r.ThresholdBPS <= 0 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: threshold_bps must be > 0", i)
		}
		if r.RateLimitAct != nil && r.BanAct != nil {
			return errors.Errorf(errors.KindValidation, "rule[%d]: rate_limit and ban are mutually exclusive", i)
		}
		if r.Action.Kind != ActionRateLimit && r.Action.Kind != ActionBan {
			return errors.Errorf(errors.KindValidation, "rule[%d]: a rate_limit or ban block is required", i)
		}
		if r.Action.Kind == ActionRateLimit && r.Action.KBPS <= 0 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: kbps must be > 0", i)
		}
		if r.Action.Seconds != nil && *r.Action.Seconds < 0 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: negative duration", i)
		}
		if r.Action.Burst != nil && *r.Action.Burst <= 0 {
			return errors.Errorf(errors.KindValidation, "rule[%d]: burst must be > 0", i)
		}
		for _, addr := range r.Exclude {
			if _, err := netip.ParseAddr(addr); err != nil {
				return errors.Wrapf(err, errors.KindValidation, "rule[%d]: invalid exclude address %q", i, addr)
			}
		}
	}
	return nil
}

// ParseExcludeSet parses a list of address strings into a lookup set,
// ignoring empty strings.
func ParseExcludeSet(addrs []string) (map[netip.Addr]struct{}, error) {
	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("parse exclude address %q: %w", a, err)
		}
		set[addr] = struct{}{}
	}
	return set, nil
}

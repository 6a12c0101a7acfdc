// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"testing"

	"grimm.is/ratewall/internal/config"
)

func TestSyslogConfigDisabledByDefault(t *testing.T) {
	sc := syslogConfig(nil, "", 0)
	if sc.Enabled {
		t.Error("no config block and no flag must leave syslog disabled")
	}
}

func TestSyslogConfigFromBlock(t *testing.T) {
	sc := syslogConfig(&config.SyslogConfig{Host: "logs.example.com", Protocol: "tcp", Facility: 3}, "", 0)
	if !sc.Enabled {
		t.Fatal("a syslog block must enable forwarding")
	}
	if sc.Host != "logs.example.com" {
		t.Errorf("host mismatch: %q", sc.Host)
	}
	if sc.Port != 514 {
		t.Errorf("unset port must keep the default, got %d", sc.Port)
	}
	if sc.Protocol != "tcp" {
		t.Errorf("protocol mismatch: %q", sc.Protocol)
	}
	if sc.Facility != 3 {
		t.Errorf("facility mismatch: %d", sc.Facility)
	}
}

func TestSyslogConfigFlagOverrides(t *testing.T) {
	sc := syslogConfig(&config.SyslogConfig{Host: "logs.example.com", Port: 1514}, "other.example.com", 6514)
	if sc.Host != "other.example.com" || sc.Port != 6514 {
		t.Errorf("flags must override the config block, got %s:%d", sc.Host, sc.Port)
	}

	sc = syslogConfig(nil, "flag-only.example.com", 0)
	if !sc.Enabled || sc.Host != "flag-only.example.com" {
		t.Errorf("a host flag alone must enable forwarding, got %+v", sc)
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package monitor

import (
	"net/netip"

	"grimm.is/ratewall/internal/errors"
)

// ConntrackSampler is unavailable off Linux; the daemon still runs for
// development, it just never observes traffic.
type ConntrackSampler struct{}

// NewConntrackSampler always fails on non-Linux platforms.
func NewConntrackSampler() (*ConntrackSampler, error) {
	return nil, errors.New(errors.KindUnavailable, "conntrack sampling requires linux")
}

func (s *ConntrackSampler) Sample() (map[netip.Addr]Counters, error) { return nil, nil }

func (s *ConntrackSampler) Close() error { return nil }

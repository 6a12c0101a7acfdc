// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package monitor

import (
	"net/netip"

	"github.com/ti-mo/conntrack"

	"grimm.is/ratewall/internal/errors"
)

// ConntrackSampler reads per-flow byte counters from the kernel's conntrack
// table and aggregates them by remote address. Accounting must be enabled
// (net.netfilter.nf_conntrack_acct=1) for the counters to be non-zero.
type ConntrackSampler struct {
	conn *conntrack.Conn
}

// NewConntrackSampler opens a netlink connection to the conntrack subsystem.
func NewConntrackSampler() (*ConntrackSampler, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	return &ConntrackSampler{conn: conn}, nil
}

// Sample dumps the conntrack table and sums each flow's counters per
// original-direction source address. Rx is what the remote origin sent us;
// Tx is what we sent back on the reply side.
func (s *ConntrackSampler) Sample() (map[netip.Addr]Counters, error) {
	flows, err := s.conn.Dump(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "dump conntrack flows")
	}

	out := make(map[netip.Addr]Counters)
	for _, f := range flows {
		src := f.TupleOrig.IP.SourceAddress
		if !src.IsValid() {
			continue
		}
		c := out[src]
		c.RxBytes += f.CountersOrig.Bytes
		c.TxBytes += f.CountersReply.Bytes
		out[src] = c
	}
	return out, nil
}

// Close tears down the netlink connection.
func (s *ConntrackSampler) Close() error {
	return s.conn.Close()
}

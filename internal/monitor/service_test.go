// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/traffic"
)

type fakeSampler struct {
	readings []map[netip.Addr]Counters
	closed   bool
}

func (f *fakeSampler) Sample() (map[netip.Addr]Counters, error) {
	if len(f.readings) == 0 {
		return nil, nil
	}
	r := f.readings[0]
	f.readings = f.readings[1:]
	return r, nil
}

func (f *fakeSampler) Close() error {
	f.closed = true
	return nil
}

func TestSampleOnceComputesDeltas(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	fs := &fakeSampler{readings: []map[netip.Addr]Counters{
		{addr: {RxBytes: 1000, TxBytes: 50}},
		{addr: {RxBytes: 1500, TxBytes: 75}},
	}}
	stats := traffic.NewMap()
	s := NewService(nil, fs, stats, time.Second)
	s.clock = clock.NewMockClock(time.Unix(1_700_000_000, 0))

	require.NoError(t, s.SampleOnce())
	got, ok := stats.Load(addr)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), got.RxBytes)
	assert.Equal(t, uint64(1000), got.RxDelta, "first observation baselines from zero")

	require.NoError(t, s.SampleOnce())
	got, _ = stats.Load(addr)
	assert.Equal(t, uint64(1500), got.RxBytes)
	assert.Equal(t, uint64(500), got.RxDelta)
	assert.Equal(t, uint64(25), got.TxDelta)
}

func TestSampleOnceZeroesVanishedAddresses(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	fs := &fakeSampler{readings: []map[netip.Addr]Counters{
		{addr: {RxBytes: 1000}},
		{}, // flow aged out of the kernel table
	}}
	stats := traffic.NewMap()
	s := NewService(nil, fs, stats, time.Second)
	s.clock = clock.NewMockClock(time.Unix(1_700_000_000, 0))

	require.NoError(t, s.SampleOnce())
	require.NoError(t, s.SampleOnce())

	got, ok := stats.Load(addr)
	require.True(t, ok)
	assert.Zero(t, got.RxDelta, "vanished addresses must drain, not replay")
	assert.Equal(t, uint64(1000), got.RxBytes)
}

func TestSampleOnceCounterReset(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	fs := &fakeSampler{readings: []map[netip.Addr]Counters{
		{addr: {RxBytes: 9000}},
		{addr: {RxBytes: 300}}, // conntrack entry recycled
	}}
	stats := traffic.NewMap()
	s := NewService(nil, fs, stats, time.Second)
	s.clock = clock.NewMockClock(time.Unix(1_700_000_000, 0))

	require.NoError(t, s.SampleOnce())
	require.NoError(t, s.SampleOnce())

	got, _ := stats.Load(addr)
	assert.Equal(t, uint64(300), got.RxDelta, "a reset counter rebaselines")
}

func TestStartStop(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	readings := make([]map[netip.Addr]Counters, 64)
	for i := range readings {
		readings[i] = map[netip.Addr]Counters{addr: {RxBytes: uint64(i) * 100}}
	}
	fs := &fakeSampler{readings: readings}
	stats := traffic.NewMap()
	s := NewService(nil, fs, stats, 5*time.Millisecond)

	s.Start()
	assert.Eventually(t, func() bool {
		_, ok := stats.Load(addr)
		return ok
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.True(t, fs.closed, "Stop must close the sampler")
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/config"
	"grimm.is/ratewall/internal/traffic"
)

// fakeFirewall emulates the controller's registry semantics: duplicate
// installs inside a rule's lifetime return the existing id.
type fakeFirewall struct {
	mu       sync.Mutex
	clock    *clock.MockClock
	created  map[string]time.Time
	installs int
	removed  []string
	excluded map[netip.Addr]struct{}
}

func newFakeFirewall(mc *clock.MockClock) *fakeFirewall {
	return &fakeFirewall{
		clock:    mc,
		created:  make(map[string]time.Time),
		excluded: make(map[netip.Addr]struct{}),
	}
}

func (f *fakeFirewall) IsExcluded(addr netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.excluded[addr]
	return ok
}

func (f *fakeFirewall) install(id string, secs *int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if created, ok := f.created[id]; ok {
		if secs == nil || f.clock.Now().Before(created.Add(time.Duration(*secs)*time.Second)) {
			return id
		}
	}
	f.created[id] = f.clock.Now()
	f.installs++
	return id
}

func (f *fakeFirewall) Ban(_ context.Context, addr netip.Addr, secs *int64) (string, error) {
	return f.install(fmt.Sprintf("ban_%s", addr), secs), nil
}

func (f *fakeFirewall) Limit(_ context.Context, addr netip.Addr, kbps int64, _, secs *int64) (string, error) {
	return f.install(fmt.Sprintf("limit_%s_%d", addr, kbps), secs), nil
}

func (f *fakeFirewall) IsExpiration(id string, secs int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	created, ok := f.created[id]
	if !ok {
		return false
	}
	return f.clock.Now().After(created.Add(time.Duration(secs) * time.Second))
}

func (f *fakeFirewall) Unblock(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeFirewall) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs
}

func (f *fakeFirewall) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func banRule(windowSecs int, threshold int64, secs *int64) Rule {
	return Rule{
		WindowSecs:   windowSecs,
		ThresholdBPS: uint64(threshold),
		Action:       config.Ban(secs),
		exclude:      map[netip.Addr]struct{}{},
	}
}

func limitRule(windowSecs int, threshold, kbps int64, secs *int64) Rule {
	return Rule{
		WindowSecs:   windowSecs,
		ThresholdBPS: uint64(threshold),
		Action:       config.RateLimit(kbps, nil, secs),
		exclude:      map[netip.Addr]struct{}{},
	}
}

func int64ptr(v int64) *int64 { return &v }

// newTestEngine wires an engine to a fake firewall and a mock clock shared
// by both sides.
func newTestEngine(rules []Rule) (*Engine, *fakeFirewall, *traffic.Map, *clock.MockClock) {
	mc := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	fw := newFakeFirewall(mc)
	stats := traffic.NewMap()
	e := New(rules, stats, fw, config.HookInput, nil)
	e.clock = mc
	return e, fw, stats, mc
}

// tick advances the shared clock one second, stores the delta and runs one
// evaluation pass.
func tick(t *testing.T, e *Engine, stats *traffic.Map, mc *clock.MockClock, addr netip.Addr, rxDelta uint64) {
	t.Helper()
	stats.Store(addr, traffic.Stats{RxDelta: rxDelta, LastUpdate: mc.Now()})
	require.NoError(t, e.CheckAndApply(context.Background()))
	mc.Advance(time.Second)
}

func TestBanOnThreshold(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{banRule(3, 100, int64ptr(60))})
	addr := netip.MustParseAddr("10.0.0.1")

	for _, delta := range []uint64{0, 500, 500, 500} {
		tick(t, e, stats, mc, addr, delta)
	}

	assert.Equal(t, 1, fw.installCount(), "dedup must leave exactly one install")
	e.handlesMu.Lock()
	assert.Equal(t, []string{"ban_10.0.0.1"}, e.handles[addr])
	e.handlesMu.Unlock()
}

func TestDedupAcrossSustainedCrossing(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{banRule(3, 100, int64ptr(60))})
	addr := netip.MustParseAddr("10.0.0.1")

	for i := 0; i < 14; i++ {
		tick(t, e, stats, mc, addr, 500)
	}

	assert.Equal(t, 1, fw.installCount())
	e.handlesMu.Lock()
	assert.Len(t, e.handles[addr], 1)
	e.handlesMu.Unlock()
}

func TestExpirationSweep(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{banRule(3, 100, int64ptr(60))})
	addr := netip.MustParseAddr("10.0.0.1")

	// Cross the threshold, then let the window drain back below it so the
	// expiring tick does not immediately re-ban.
	for _, delta := range []uint64{0, 500, 500, 500, 0, 0, 0, 0} {
		tick(t, e, stats, mc, addr, delta)
	}
	require.Equal(t, 1, fw.installCount())

	// Let the ban lapse, then drive one quiet tick.
	mc.Advance(61 * time.Second)
	tick(t, e, stats, mc, addr, 0)

	require.Equal(t, []string{"ban_10.0.0.1"}, fw.removedIDs())

	// The engine's id list is pruned after a confirmed removal.
	e.handlesMu.Lock()
	assert.Empty(t, e.handles[addr])
	e.handlesMu.Unlock()

	// Another quiet tick must not remove anything again.
	tick(t, e, stats, mc, addr, 0)
	assert.Len(t, fw.removedIDs(), 1)
}

func TestLimitAction(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{limitRule(2, 1000, 800, nil)})
	addr := netip.MustParseAddr("10.0.0.7")

	for _, delta := range []uint64{0, 5000, 5000} {
		tick(t, e, stats, mc, addr, delta)
	}

	assert.Equal(t, 1, fw.installCount())
	e.handlesMu.Lock()
	assert.Equal(t, []string{"limit_10.0.0.7_800"}, e.handles[addr])
	e.handlesMu.Unlock()
}

func TestGlobalExclusionSkipsAddress(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{banRule(2, 100, int64ptr(60))})
	addr := netip.MustParseAddr("10.0.0.9")
	fw.excluded[addr] = struct{}{}

	for i := 0; i < 6; i++ {
		tick(t, e, stats, mc, addr, 9999)
	}
	assert.Zero(t, fw.installCount(), "excluded addresses must never reach the firewall")
}

func TestRuleExclusionSkipsAddress(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.9")
	rule := banRule(2, 100, int64ptr(60))
	rule.exclude[addr] = struct{}{}
	e, fw, stats, mc := newTestEngine([]Rule{rule})

	for i := 0; i < 6; i++ {
		tick(t, e, stats, mc, addr, 9999)
	}
	assert.Zero(t, fw.installCount())
}

func TestRulesEvaluateInOrderPerAddress(t *testing.T) {
	// A ban rule listed before a limit rule: both fire, ban id first.
	e, _, stats, mc := newTestEngine([]Rule{
		banRule(2, 100, nil),
		limitRule(2, 100, 400, nil),
	})
	addr := netip.MustParseAddr("10.0.0.1")

	for _, delta := range []uint64{0, 500, 500} {
		tick(t, e, stats, mc, addr, delta)
	}

	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	require.Len(t, e.handles[addr], 2)
	assert.Equal(t, "ban_10.0.0.1", e.handles[addr][0])
	assert.Equal(t, "limit_10.0.0.1_400", e.handles[addr][1])
}

func TestCompileRules(t *testing.T) {
	rules, err := CompileRules([]config.RuleConfig{{
		WindowSecs:   3,
		ThresholdBPS: 100,
		Exclude:      []string{"192.168.1.1"},
		Action:       config.Ban(int64ptr(60)),
	}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].isExcluded(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, rules[0].isExcluded(netip.MustParseAddr("192.168.1.2")))

	_, err = CompileRules([]config.RuleConfig{{WindowSecs: 0, ThresholdBPS: 1}})
	assert.Error(t, err)

	_, err = CompileRules([]config.RuleConfig{{WindowSecs: 61, ThresholdBPS: 1}})
	assert.Error(t, err)
}

func TestPauseSuppressesTicks(t *testing.T) {
	e, fw, stats, mc := newTestEngine([]Rule{banRule(2, 100, nil)})
	addr := netip.MustParseAddr("10.0.0.1")

	// Pre-load a window that is already over threshold so any serviced
	// tick would install immediately.
	w := newWindow(mc.Now())
	for i := range w.buffer {
		w.buffer[i] = 500
	}
	e.windowsMu.Lock()
	e.windows[addr] = w
	e.windowsMu.Unlock()
	stats.Store(addr, traffic.Stats{RxDelta: 500, LastUpdate: mc.Now()})

	// Pause is queued before the loop starts so no tick can sneak in.
	require.NoError(t, e.Signals().Pause())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return !e.Signals().Running() },
		time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fw.installCount(), "no installs while paused")

	require.NoError(t, e.Signals().Resume())
	assert.Eventually(t, func() bool { return fw.installCount() == 1 },
		time.Second, 5*time.Millisecond, "first tick after resume must install")

	require.NoError(t, e.Signals().Stop())
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine loop did not exit after Stop")
	}
	assert.True(t, e.Signals().Stopped())

	assert.Error(t, e.Signals().Pause(), "control after Stop must error")
}

func TestStopViaContext(t *testing.T) {
	e, _, _, _ := newTestEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx, 10*time.Millisecond)
	cancel()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine loop did not exit on context cancel")
	}
}

func TestSetRulesSwapsLive(t *testing.T) {
	e, fw, stats, mc := newTestEngine(nil)
	addr := netip.MustParseAddr("10.0.0.1")

	for _, delta := range []uint64{0, 500, 500} {
		tick(t, e, stats, mc, addr, delta)
	}
	require.Zero(t, fw.installCount(), "no rules, no installs")

	e.SetRules([]Rule{banRule(2, 100, nil)})
	tick(t, e, stats, mc, addr, 500)
	assert.Equal(t, 1, fw.installCount())
}

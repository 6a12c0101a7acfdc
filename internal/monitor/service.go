// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor samples per-address byte counters from the kernel and
// publishes them into the shared traffic map the rule engine evaluates.
package monitor

import (
	"net/netip"
	"sync"
	"time"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/traffic"
)

// Counters is one sampler reading for an address: cumulative bytes received
// from and transmitted to it.
type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// Sampler produces a cumulative per-address counter snapshot.
type Sampler interface {
	Sample() (map[netip.Addr]Counters, error)
	Close() error
}

// Service periodically samples counters, derives per-interval deltas and
// writes them into the shared traffic map.
type Service struct {
	logger   *logging.Logger
	sampler  Sampler
	stats    *traffic.Map
	clock    clock.Clock
	interval time.Duration

	prev map[netip.Addr]Counters

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a monitoring service publishing into stats.
func NewService(logger *logging.Logger, sampler Sampler, stats *traffic.Map, interval time.Duration) *Service {
	if logger == nil {
		logger = logging.WithComponent("monitor")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		logger:   logger,
		sampler:  sampler,
		stats:    stats,
		clock:    clock.Real,
		interval: interval,
		prev:     make(map[netip.Addr]Counters),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (s *Service) Start() {
	s.logger.Info("starting traffic monitor", "interval", s.interval)
	s.wg.Add(1)
	go s.loop()
}

// Stop stops the sampling loop and closes the sampler.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.sampler.Close(); err != nil {
		s.logger.Warn("sampler close failed", "error", err)
	}
	s.logger.Info("traffic monitor stopped")
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SampleOnce(); err != nil {
				s.logger.Warn("counter sample failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// SampleOnce takes one counter reading and folds it into the traffic map.
// Addresses that vanished from the kernel tables get their deltas zeroed so
// the engine's windows drain instead of replaying the last reading.
func (s *Service) SampleOnce() error {
	cur, err := s.sampler.Sample()
	if err != nil {
		return err
	}
	now := s.clock.Now()

	for addr, c := range cur {
		p := s.prev[addr]
		s.stats.Store(addr, traffic.Stats{
			RxBytes:    c.RxBytes,
			TxBytes:    c.TxBytes,
			RxDelta:    monotonicDelta(p.RxBytes, c.RxBytes),
			TxDelta:    monotonicDelta(p.TxBytes, c.TxBytes),
			LastUpdate: now,
		})
	}
	for addr, p := range s.prev {
		if _, ok := cur[addr]; ok {
			continue
		}
		s.stats.Store(addr, traffic.Stats{
			RxBytes:    p.RxBytes,
			TxBytes:    p.TxBytes,
			LastUpdate: now,
		})
	}
	s.prev = cur
	return nil
}

// monotonicDelta treats a counter that moved backwards (flow reset, counter
// wrap) as a fresh baseline.
func monotonicDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"sync/atomic"

	"grimm.is/ratewall/internal/errors"
)

// ControlSignal is one edge event on the engine's control channel.
type ControlSignal int

const (
	SignalPause ControlSignal = iota
	SignalResume
	SignalStop
)

func (s ControlSignal) String() string {
	switch s {
	case SignalPause:
		return "pause"
	case SignalResume:
		return "resume"
	case SignalStop:
		return "stop"
	default:
		return "unknown"
	}
}

// SignalController carries pause/resume/stop control into the engine loop.
// The atomics let the tick branch gate without blocking; the channel carries
// the edge events; resumeCh keeps the loop responsive while paused so a
// Resume racing a tick arrival is never lost.
type SignalController struct {
	running atomic.Bool
	stopped atomic.Bool

	control  chan ControlSignal
	resumeCh chan struct{}
}

// NewSignalController starts in the Running state.
func NewSignalController() *SignalController {
	sc := &SignalController{
		control:  make(chan ControlSignal, 16),
		resumeCh: make(chan struct{}, 1),
	}
	sc.running.Store(true)
	return sc
}

// Running reports whether ticks are currently being serviced.
func (sc *SignalController) Running() bool { return sc.running.Load() }

// Stopped reports whether the engine has reached its terminal state.
func (sc *SignalController) Stopped() bool { return sc.stopped.Load() }

// Pause suspends tick processing.
func (sc *SignalController) Pause() error { return sc.send(SignalPause) }

// Resume restarts tick processing after a Pause.
func (sc *SignalController) Resume() error {
	if err := sc.send(SignalResume); err != nil {
		return err
	}
	select {
	case sc.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop moves the engine to its terminal state. The loop exits at the next
// control-channel service point; in-flight work completes.
func (sc *SignalController) Stop() error { return sc.send(SignalStop) }

func (sc *SignalController) send(sig ControlSignal) error {
	if sc.stopped.Load() {
		return errors.Errorf(errors.KindConflict, "engine already stopped, cannot %s", sig)
	}
	select {
	case sc.control <- sig:
		return nil
	default:
		return errors.Errorf(errors.KindInternal, "control channel full, dropping %s", sig)
	}
}

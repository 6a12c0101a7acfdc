// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package executor owns the pool of long-lived firewall-CLI child processes
// that every firewall mutation is funneled through, and the parser that
// turns the CLI's structured output back into Go values.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ratewall/internal/clock"
	"grimm.is/ratewall/internal/errors"
	"grimm.is/ratewall/internal/logging"
	"grimm.is/ratewall/internal/metrics"
)

// EndToken terminates one command's response on the child process's
// combined output stream. It is injected after every command as a line the
// CLI cannot parse, so its echoed error report marks end-of-response.
const EndToken = "---END---"

// Config controls pool sizing and process recycling.
type Config struct {
	Program        string
	Args           []string
	MaxPoolSize    int
	MaxProcessAge  time.Duration
	MaxCommands    int
	CommandTimeout time.Duration
}

// DefaultConfig returns the documented executor defaults.
func DefaultConfig(program string, args ...string) Config {
	return Config{
		Program:        program,
		Args:           args,
		MaxPoolSize:    5,
		MaxProcessAge:  300 * time.Second,
		MaxCommands:    100,
		CommandTimeout: 5 * time.Second,
	}
}

// process is the subset of a running child the pool needs.
type process interface {
	send(cmd string) error
	readUntilEnd(ctx context.Context) (string, error)
	exited() bool
	close() error
}

// spawner creates new child processes. Tests inject a fake spawner so the
// pool's aging/budget logic can be exercised without os/exec.
type spawner interface {
	spawn() (process, error)
}

// Pool owns up to Config.MaxPoolSize long-lived child processes and
// serializes commands through them.
type Pool struct {
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	spawner spawner
	mock    bool

	sem   chan struct{}
	mu    sync.Mutex
	slots []*slot
}

type slot struct {
	mu       sync.Mutex
	proc     process
	commands int
	bornAt   time.Time
}

// New builds a Pool. If cfg.Program cannot be found on PATH, the pool runs
// in mock mode: every operation succeeds and produces synthetic but
// well-formed output so the rest of the core stays exercised.
func New(cfg Config, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.WithComponent("executor")
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 5
	}

	p := &Pool{
		cfg:    cfg,
		clock:  clock.Real,
		logger: logger,
		slots:  make([]*slot, cfg.MaxPoolSize),
		sem:    make(chan struct{}, cfg.MaxPoolSize),
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}

	if _, err := exec.LookPath(cfg.Program); err != nil {
		p.mock = true
		p.spawner = mockSpawner{}
		p.logger.Warn("firewall program not found, running in mock mode", "program", cfg.Program)
	} else {
		p.spawner = execSpawner{program: cfg.Program, args: cfg.Args}
	}
	return p
}

// IsMock reports whether the pool is synthesizing output because the
// firewall program is absent.
func (p *Pool) IsMock() bool { return p.mock }

// Stats returns the pool size and the number of currently idle slots.
func (p *Pool) Stats() (size, available int) {
	return len(p.slots), len(p.slots) - len(p.sem)
}

// acquire blocks until a slot permit is available, then returns an idle
// slot, recycling its child if it has aged out, exhausted its command
// budget, or already exited.
func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	var chosen *slot
	for _, s := range p.slots {
		if s.mu.TryLock() {
			chosen = s
			break
		}
	}
	p.mu.Unlock()
	if chosen == nil {
		// All slots are momentarily locked by holders about to release;
		// this only happens if MaxPoolSize concurrent users hold every
		// slot, which the semaphore already prevents, so block on the first.
		chosen = p.slots[0]
		chosen.mu.Lock()
	}

	if err := p.recycleIfNeeded(chosen); err != nil {
		chosen.mu.Unlock()
		<-p.sem
		return nil, err
	}
	_, avail := p.Stats()
	metrics.Default.PoolAvailable.Set(float64(avail))
	return chosen, nil
}

func (p *Pool) release(s *slot) {
	s.mu.Unlock()
	<-p.sem
	_, avail := p.Stats()
	metrics.Default.PoolAvailable.Set(float64(avail))
}

func (p *Pool) recycleIfNeeded(s *slot) error {
	now := p.clock.Now()
	if s.proc != nil {
		age := now.Sub(s.bornAt)
		if age > p.cfg.MaxProcessAge || s.commands >= p.cfg.MaxCommands || s.proc.exited() {
			_ = s.proc.close()
			s.proc = nil
		}
	}
	if s.proc == nil {
		proc, err := p.spawner.spawn()
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "spawn firewall process")
		}
		s.proc = proc
		s.commands = 0
		s.bornAt = now
		metrics.Default.ExecutorSpawns.Inc()
	}
	return nil
}

// Execute runs one command against an idle slot and returns its response.
func (p *Pool) Execute(ctx context.Context, cmd string) (string, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.release(s)

	if err := s.proc.send(cmd); err != nil {
		_ = s.proc.close()
		s.proc = nil
		return "", errors.Wrap(err, errors.KindExecutorExited, "send command")
	}

	readCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.CommandTimeout > 0 {
		readCtx, cancel = context.WithTimeout(ctx, p.cfg.CommandTimeout)
		defer cancel()
	}
	out, err := s.proc.readUntilEnd(readCtx)
	s.commands++
	metrics.Default.ExecutorCommands.Inc()
	if err != nil {
		// A stalled child may still flush its response later and desync the
		// stream, so the slot is recycled on every read failure.
		_ = s.proc.close()
		s.proc = nil
		if readCtx.Err() == context.DeadlineExceeded {
			metrics.Default.ExecutorTimeouts.Inc()
			return "", errors.Wrap(err, errors.KindTimeout, "executor read timed out")
		}
		return "", errors.Wrap(err, errors.KindExecutorExited, "read response")
	}
	return out, nil
}

// Input runs one command and discards its output.
func (p *Pool) Input(ctx context.Context, cmd string) error {
	_, err := p.Execute(ctx, cmd)
	return err
}

// ExecuteBatch runs a sequence of commands against a single process,
// returning the concatenated responses in submission order.
func (p *Pool) ExecuteBatch(ctx context.Context, cmds []string) (string, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.release(s)

	var out strings.Builder
	for i, cmd := range cmds {
		if err := s.proc.send(cmd); err != nil {
			_ = s.proc.close()
			s.proc = nil
			return "", errors.Wrap(err, errors.KindExecutorExited, "send batch command")
		}

		readCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.CommandTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, p.cfg.CommandTimeout)
		}
		resp, err := s.proc.readUntilEnd(readCtx)
		if cancel != nil {
			cancel()
		}
		s.commands++
		metrics.Default.ExecutorCommands.Inc()
		if err != nil {
			_ = s.proc.close()
			s.proc = nil
			if readCtx.Err() == context.DeadlineExceeded {
				metrics.Default.ExecutorTimeouts.Inc()
				return "", errors.Wrap(err, errors.KindTimeout, fmt.Sprintf("executor read timed out on batch command %d", i))
			}
			return "", errors.Wrap(err, errors.KindExecutorExited, "read batch response")
		}
		out.WriteString(resp)
	}
	return out.String(), nil
}

// Cleanup drains the pool, terminating every running child.
func (p *Pool) Cleanup() {
	for _, s := range p.slots {
		s.mu.Lock()
		if s.proc != nil {
			_ = s.proc.close()
			s.proc = nil
		}
		s.mu.Unlock()
	}
}

// execSpawner spawns the real firewall CLI in interactive mode.
type execSpawner struct {
	program string
	args    []string
}

type execProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	output   *os.File
	reader   *bufio.Reader
	dead     atomic.Bool
	waitDone chan struct{}
}

func (s execSpawner) spawn() (process, error) {
	cmd := exec.Command(s.program, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// stderr is folded into stdout: the end-of-response marker is reported
	// there, and rule errors must be visible to callers in order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	pw.Close()

	p := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		output:   pr,
		reader:   bufio.NewReader(pr),
		waitDone: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		p.dead.Store(true)
		close(p.waitDone)
	}()
	return p, nil
}

// send writes the command followed by the end-of-response marker. The
// marker line is deliberately invalid syntax: the CLI echoes it back in
// its error report, which delimits this command's output on the combined
// stream.
func (p *execProcess) send(cmd string) error {
	_, err := io.WriteString(p.stdin, cmd+"\n"+EndToken+"\n")
	return err
}

func (p *execProcess) readUntilEnd(ctx context.Context) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var b strings.Builder
		for {
			line, err := p.reader.ReadString('\n')
			if strings.TrimSpace(line) == EndToken {
				ch <- result{out: b.String(), err: nil}
				return
			}
			b.WriteString(line)
			if err != nil {
				ch <- result{out: b.String(), err: err}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *execProcess) exited() bool {
	return p.dead.Load()
}

func (p *execProcess) close() error {
	_ = p.stdin.Close()
	if !p.dead.Load() && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.waitDone
	return p.output.Close()
}

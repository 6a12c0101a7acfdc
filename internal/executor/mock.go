// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package executor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// mockSpawner synthesizes well-formed responses when the firewall CLI is
// absent from PATH, so the rest of the core stays exercisable on a
// workstation or in CI without root or a real nft binary.
type mockSpawner struct{}

func (mockSpawner) spawn() (process, error) {
	return &mockProcess{}, nil
}

type mockProcess struct {
	handles atomic.Int64
	closed  atomic.Bool
	pending string
}

func (p *mockProcess) send(cmd string) error {
	if p.closed.Load() {
		return fmt.Errorf("executor: mock process closed")
	}
	p.pending = cmd
	return nil
}

func (p *mockProcess) readUntilEnd(ctx context.Context) (string, error) {
	if p.closed.Load() {
		return "", fmt.Errorf("executor: mock process closed")
	}
	cmd := p.pending
	switch {
	case strings.HasPrefix(cmd, "add rule"):
		h := p.handles.Add(1)
		return fmt.Sprintf("%s # handle %d\n", cmd, h), nil
	default:
		return "", nil
	}
}

func (p *mockProcess) exited() bool { return p.closed.Load() }

func (p *mockProcess) close() error {
	p.closed.Store(true)
	return nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ratewall/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	secs := int64(60)
	cfg.Rules = []config.RuleConfig{{
		WindowSecs:   3,
		ThresholdBPS: 100,
		Action:       config.Ban(&secs),
	}}
	return &cfg
}

func TestLifecycleBeforeStart(t *testing.T) {
	o := New(testConfig(), nil)

	st := o.Status()
	assert.Equal(t, "ratewall", st.Name)
	assert.False(t, st.Running)

	_, err := o.Reload(testConfig())
	assert.Error(t, err, "reload requires a running stack")

	assert.NoError(t, o.Stop(context.Background()), "stopping a stopped stack is a no-op")
}

func TestStartStopSmoke(t *testing.T) {
	if _, err := exec.LookPath(firewallProgram); err == nil {
		t.Skip("firewall CLI present; smoke test only runs against the mock executor")
	}

	o := New(testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	assert.True(t, o.Status().Running)

	err := o.Start(ctx)
	assert.Error(t, err, "double start must be rejected")

	restarted, err := o.Reload(testConfig())
	require.NoError(t, err)
	assert.False(t, restarted, "reload never restarts")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(stopCtx))
	assert.False(t, o.Status().Running)
}

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzcore/hzsched/config"
	"github.com/hzcore/hzsched/internal/logging"
	"github.com/hzcore/hzsched/kernel"
)

const shortSession = `
preemption_interval: 1ms
slice_cycles: 2000
run_for: 10s
threads:
  - name: a
    priority: 30
    core: 1
    program: |
      spin 1000
      svc sleep 100000
      spin 1000
  - name: b
    priority: 40
    core: 2
    affinity: [2, 3]
    count: 3
    program: |
      spin 1000
      svc sleep 50000
`

func runSession(t *testing.T, text string, multicore bool) *session {
	t.Helper()
	cfg, err := config.Parse("test.yaml", []byte(text))
	require.NoError(t, err)
	cfg.MultiCore = multicore

	s, err := newSession(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.start())
	assert.True(t, s.wait(context.Background()), "process did not finish")
	s.stop()
	return s
}

func TestSessionRunsToCompletion(t *testing.T) {
	for _, multicore := range []bool{true, false} {
		s := runSession(t, shortSession, multicore)
		assert.Equal(t, kernel.ProcessStateTerminated, s.p.State())
		assert.GreaterOrEqual(t, s.k.SVCCount(), uint64(4), "multicore=%v", multicore)

		var buf bytes.Buffer
		writeReport(&buf, s.source())
		out := buf.String()
		assert.Contains(t, out, "/sched/core1/context-switches:switches")
		assert.Contains(t, out, "/kernel/threads/live:threads")
		assert.NotContains(t, out, "n/a")
	}
}

func TestSessionRunForStops(t *testing.T) {
	cfg, err := config.Parse("spin.yaml", []byte(`
run_for: 50ms
threads:
  - priority: 44
    program: |
      spin 1000
      loop
`))
	require.NoError(t, err)
	s, err := newSession(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.start())

	start := time.Now()
	assert.False(t, s.wait(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	s.stop()
	assert.Len(t, s.p.GetThreadList(), 1)
}

func TestSessionContextCancel(t *testing.T) {
	cfg, err := config.Parse("spin.yaml", []byte("threads:\n  - priority: 44\n    program: loop\n"))
	require.NoError(t, err)
	s, err := newSession(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.start())
	defer s.stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.wait(ctx))
}

func TestAffinityNeedsIdealCore(t *testing.T) {
	// The thread's ideal core comes from the process and is outside the
	// affinity mask.
	cfg, err := config.Parse("bad.yaml", []byte(`
threads:
  - priority: 44
    affinity: [1, 2]
    program: spin 1
`))
	require.NoError(t, err)
	s, err := newSession(cfg, logging.Discard())
	require.NoError(t, err)
	defer s.stop()
	assert.ErrorIs(t, s.start(), kernel.ErrInvalidCombination)
}

func TestDemoSessionIsValid(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Len(t, cfg.Threads, 2)
	assert.Equal(t, 2, cfg.Threads[1].Count)
}

func TestPrintError(t *testing.T) {
	_, err := config.Parse("bad.yaml", []byte("threads:\n  - priority: 99\n    program: spn 1\n"))
	require.Error(t, err)
	var buf bytes.Buffer
	printError(&buf, err)
	assert.Contains(t, buf.String(), "bad.yaml: threads[0].priority: 99 is outside the process range 0..63")
	assert.Contains(t, buf.String(), `did you mean "spin"?`)
}

package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/distbuild/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	lines  []string
	stream []types.LogStream
}

func (c *collector) sink(stream types.LogStream, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
	c.stream = append(c.stream, stream)
}

func (c *collector) all() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ""
	for _, l := range c.lines {
		out += l
	}
	return out
}

func TestRunLocal_Success(t *testing.T) {
	c := &collector{}
	code := runLocal(context.Background(), "echo hello", 5*time.Second, types.DefaultResourceLimits(), c.sink)
	assert.Equal(t, 0, code)
	assert.Contains(t, c.all(), "hello")
}

func TestRunLocal_NonZeroExit(t *testing.T) {
	c := &collector{}
	code := runLocal(context.Background(), "exit 7", 5*time.Second, types.DefaultResourceLimits(), c.sink)
	assert.Equal(t, 7, code)
}

func TestRunLocal_Timeout(t *testing.T) {
	c := &collector{}
	code := runLocal(context.Background(), "sleep 5", 200*time.Millisecond, types.DefaultResourceLimits(), c.sink)
	assert.Equal(t, types.ExitTimeout, code)
	assert.Contains(t, c.all(), "timeout after")
}

func TestRunLocal_StderrTagged(t *testing.T) {
	c := &collector{}
	code := runLocal(context.Background(), "echo err-out 1>&2", 5*time.Second, types.DefaultResourceLimits(), c.sink)
	require.Equal(t, 0, code)

	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for i, l := range c.lines {
		if l == "err-out\n" {
			assert.Equal(t, types.StreamStderr, c.stream[i])
			found = true
		}
	}
	assert.True(t, found, "expected a stderr-tagged line")
}

func TestExitCodeFromError(t *testing.T) {
	assert.Equal(t, 0, exitCodeFromError(nil))
}

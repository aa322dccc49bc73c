package executor

import (
	"context"
	"testing"

	"github.com/cuemby/distbuild/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRun_LocalSandbox(t *testing.T) {
	e := New(nil)
	c := &collector{}
	code := e.Run(context.Background(), "job-1", Request{
		Sandbox:        types.SandboxLocal,
		Command:        "echo hi",
		TimeoutSeconds: 5,
		Limits:         types.DefaultResourceLimits(),
	}, c.sink)
	assert.Equal(t, 0, code)
}

func TestRun_ContainerSandbox_NoRuntimeConfigured_FallsBackToLocal(t *testing.T) {
	e := New(nil)
	c := &collector{}
	code := e.Run(context.Background(), "job-2", Request{
		Sandbox:        types.SandboxContainer,
		Command:        "echo hi",
		TimeoutSeconds: 5,
		Limits:         types.DefaultResourceLimits(),
	}, c.sink)
	assert.Equal(t, 0, code)
	assert.Contains(t, c.all(), "falling back to local")
}

func TestRun_RecordsExitCodeMetric(t *testing.T) {
	e := New(nil)
	c := &collector{}
	// Exercise the metrics counter path; doesn't assert on the registry,
	// just that Run doesn't panic when it fires.
	code := e.Run(context.Background(), "job-3", Request{
		Sandbox:        types.SandboxLocal,
		Command:        "exit 3",
		TimeoutSeconds: 5,
		Limits:         types.DefaultResourceLimits(),
	}, c.sink)
	assert.Equal(t, 3, code)
}

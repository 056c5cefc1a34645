package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestDevicesCmd(t *testing.T) {
	out := execute(t, "devices", "--cpus=2", "--gpus=1", "--cpu_lanes=3", "--gpu_lanes=2")
	require.Contains(t, out, "CPU device #0")
	require.Contains(t, out, "CPU device #1")
	require.Contains(t, out, "GPU device #2 (accelerator 0)")
}

func TestRunCmd(t *testing.T) {
	out := execute(t, "run", "--chains=5", "--size=64", "--gpus=2", "--cpu_lanes=2", "--gpu_lanes=2", "--producers=3")
	require.Contains(t, out, "5 chains verified")

	out = execute(t, "run", "--chains=2", "--size=8", "--gpus=0", "--cpu_lanes=2")
	require.Contains(t, out, "2 chains verified")

	out = execute(t, "run", "--chains=3", "--size=32", "--gpus=1", "--cpu_lanes=2", "--gpu_lanes=2", "--dtype=f16")
	require.Contains(t, out, "3 chains verified")
}

func TestRunCmd_DType(t *testing.T) {
	for _, dtype := range []string{"complex64", "invalid", "int32", "Float64"} {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"run", "--chains=1", "--size=4", "--dtype=" + dtype})
		cmd.SetOut(&bytes.Buffer{})
		require.Error(t, cmd.Execute(), "--dtype=%s", dtype)
	}
}

func TestStatsCmd(t *testing.T) {
	out := execute(t, "stats", "--chains=3", "--size=16", "--gpus=1", "--cpu_lanes=2", "--gpu_lanes=2")
	require.Contains(t, out, "CPU device #0")
	require.Contains(t, out, "GPU device #1 (accelerator 0)")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"stats", "--cpus=0"})
	cmd.SetOut(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

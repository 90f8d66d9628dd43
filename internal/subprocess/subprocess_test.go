package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessRunnerParsesLastStdoutLine(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindShellCommand,
			Code:    `echo "noise"; echo '{"task_result":true,"output":"ok","variables":{"x":1}}'`,
			Timeout: 5 * time.Second,
		},
	}

	result, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Output)
	require.Equal(t, float64(1), result.Variables["x"])
}

func TestProcessRunnerRepairsMalformedJSON(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindShellCommand,
			Code:    `echo "{task_result: true, output: 'ok', decisions: ['go'],}"`,
			Timeout: 5 * time.Second,
		},
	}

	result, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Repaired)
	require.Equal(t, "ok", result.Output)
	require.Equal(t, []string{"go"}, result.Decisions)
}

func TestProcessRunnerUnmarkedJSONIsRawOutput(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindShellCommand,
			Code:    `echo '{"output":"ok","variables":{"x":1},"abort":true}'`,
			Timeout: 5 * time.Second,
		},
	}

	result, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "{\"output\":\"ok\",\"variables\":{\"x\":1},\"abort\":true}\n", result.Output)
	require.Empty(t, result.Variables)
	require.False(t, result.Abort)
}

func TestProcessRunnerTimeoutEscalatesToKill(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	runner.killGrace = 200 * time.Millisecond
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindShellCommand,
			Code:    `trap '' TERM; sleep 30`,
			Timeout: 200 * time.Millisecond,
		},
	}

	start := time.Now()
	_, err := runner.Run(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Less(t, elapsed, 5*time.Second)
}

func TestProcessRunnerPropagatesNonZeroExit(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindShellCommand,
			Code:    `echo '{"task_result":true,"output":"partial"}'; exit 3`,
			Timeout: 5 * time.Second,
		},
	}

	result, err := runner.Run(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, "partial", result.Output)
}

func TestProcessRunnerInlineScriptBKind(t *testing.T) {
	runner := NewProcessRunner(t.TempDir())
	req := Request{
		Spec: LaunchSpec{
			Kind:    KindInlineScriptB,
			Code:    "#!/bin/sh\necho '{\"task_result\":true,\"output\":\"from-temp-file\"}'\n",
			Timeout: 5 * time.Second,
		},
	}

	result, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "from-temp-file", result.Output)
}

func TestParseResultNoOutputIsRawEmpty(t *testing.T) {
	result := parseResult("   \n  \n")
	require.Equal(t, "   \n  \n", result.Output)
	require.Empty(t, result.Variables)
}

//go:build !windows

package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
)

func newProcessExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(Config{
		Runtime:         RuntimeProcess,
		DefaultTimeout:  5 * time.Second,
		KillGracePeriod: 200 * time.Millisecond,
	}, zap.NewNop())
}

func shell(script string) ExecutionRequest {
	return ExecutionRequest{Command: "sh", Args: []string{"-c", script}}
}

func TestRunEchoesStdin(t *testing.T) {
	e := newProcessExecutor(t)

	result, err := e.Run(context.Background(), ExecutionRequest{
		Command: "cat",
		Stdin:   []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, `{"messages":[{"role":"user","content":"hi"}]}`, result.Stdout)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	e := newProcessExecutor(t)

	result, err := e.Run(context.Background(), shell(`echo "bad token=abcdef123456" >&2; exit 3`))

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "token=[REDACTED]")
	assert.NotContains(t, result.Stderr, "abcdef123456")
}

func TestRunPassesEnv(t *testing.T) {
	e := newProcessExecutor(t)

	req := shell(`printf "%s" "$TOOL_MODE"`)
	req.Env = map[string]string{"TOOL_MODE": "chat"}
	result, err := e.Run(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "chat", result.Stdout)
}

func TestRunTimesOut(t *testing.T) {
	e := newProcessExecutor(t)

	req := shell("sleep 10")
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := e.Run(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxTimeout, services.GetErrorType(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunKillsProcessIgnoringSIGTERM(t *testing.T) {
	e := newProcessExecutor(t)

	req := shell(`trap "" TERM; sleep 10`)
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := e.Run(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxTimeout, services.GetErrorType(err))
	// timeout + grace period, with slack for slow machines
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCancellation(t *testing.T) {
	e := newProcessExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Run(ctx, shell("sleep 10"))

	require.Error(t, err)
	assert.True(t, services.IsCancelled(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunTruncatesOutput(t *testing.T) {
	e := NewExecutor(Config{Runtime: RuntimeProcess, MaxOutputBytes: 10}, zap.NewNop())

	result, err := e.Run(context.Background(), shell("printf 0123456789abcdef"))

	require.NoError(t, err)
	assert.Equal(t, "0123456789", result.Stdout)
	assert.True(t, result.Truncated)
}

func TestRunRequiresCommand(t *testing.T) {
	e := newProcessExecutor(t)

	_, err := e.Run(context.Background(), ExecutionRequest{})
	assert.True(t, services.IsConfigurationError(err))
}

func TestUnknownRuntime(t *testing.T) {
	e := NewExecutor(Config{Runtime: "vm"}, zap.NewNop())

	_, err := e.Run(context.Background(), shell("true"))
	assert.True(t, services.IsConfigurationError(err))
}

func TestDockerRuntimeRequiresImage(t *testing.T) {
	e := NewExecutor(Config{Runtime: RuntimeDocker}, zap.NewNop())

	_, err := e.Run(context.Background(), shell("true"))
	assert.True(t, services.IsConfigurationError(err))
}

func TestDockerArgs(t *testing.T) {
	e := NewExecutor(Config{Runtime: RuntimeDocker, Image: "tools/cli:1"}, zap.NewNop())

	args := e.dockerArgs("llmgw-test", "tools/cli:1", ExecutionRequest{
		Command:  "llm",
		Args:     []string{"chat", "--json"},
		CPULimit: "0.5",
		Env:      map[string]string{"API_KEY": "sk-secret", "MODE": "chat"},
	})
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"run", "--rm", "-i"}, args[:3])
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--cpus 0.5")
	assert.Contains(t, joined, "-e API_KEY -e MODE")
	assert.NotContains(t, joined, "sk-secret")
	assert.True(t, strings.HasSuffix(joined, "tools/cli:1 llm chat --json"))
}

func collect(t *testing.T, stream *providers.ChatStream) ([]providers.ChatDelta, error) {
	t.Helper()
	defer stream.Close()
	var deltas []providers.ChatDelta
	for {
		d, err := stream.Recv()
		if err == io.EOF {
			return deltas, nil
		}
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, d)
	}
}

func TestStreamTranslatesNDJSON(t *testing.T) {
	e := newProcessExecutor(t)

	stream, err := e.Stream(context.Background(), shell(`
printf '{"type":"start"}\n'
printf '{"content":"Hel"}\n'
printf '{"content":"lo"}\n'
printf 'plain line\n'
printf '{"finish_reason":"length"}\n'
`))
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, deltas, 5)
	assert.Equal(t, "Hel", deltas[0].Content)
	assert.Equal(t, "lo", deltas[1].Content)
	assert.Equal(t, "plain line\n", deltas[2].Content)
	assert.Equal(t, "length", deltas[3].FinishReason)
	assert.True(t, deltas[4].Done)
	assert.Equal(t, "length", deltas[4].FinishReason)
}

func TestStreamNonZeroExit(t *testing.T) {
	e := newProcessExecutor(t)

	stream, err := e.Stream(context.Background(), shell(`printf '{"content":"partial"}\n'; echo failure >&2; exit 2`))
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxNonZeroExit, services.GetErrorType(err))
	require.Len(t, deltas, 1)
	assert.Equal(t, "partial", deltas[0].Content)
}

func TestStreamTimeout(t *testing.T) {
	e := newProcessExecutor(t)

	req := shell(`printf '{"content":"x"}\n'; sleep 10`)
	req.Timeout = 150 * time.Millisecond
	stream, err := e.Stream(context.Background(), req)
	require.NoError(t, err)

	_, err = collect(t, stream)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxTimeout, services.GetErrorType(err))
}

func TestStreamCloseTerminatesProcess(t *testing.T) {
	e := newProcessExecutor(t)

	stream, err := e.Stream(context.Background(), shell(`while true; do printf '{"content":"x"}\n'; sleep 0.01; done`))
	require.NoError(t, err)

	d, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "x", d.Content)

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("closing the stream did not terminate the process")
	}
}

func TestStreamErrorRecord(t *testing.T) {
	e := newProcessExecutor(t)

	stream, err := e.Stream(context.Background(), shell(`printf '{"type":"error","message":"quota exceeded"}\n'; sleep 10`))
	require.NoError(t, err)

	_, err = collect(t, stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestStreamFailsOnOversizedLine(t *testing.T) {
	e := newProcessExecutor(t)

	stream, err := e.Stream(context.Background(), shell(`
printf '{"content":"before"}\n'
head -c 2000000 /dev/zero | tr '\0' 'a'
printf '\n{"content":"after"}\n'
`))
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxOutputLimit, services.GetErrorType(err))
	require.Len(t, deltas, 1)
	assert.Equal(t, "before", deltas[0].Content)
}

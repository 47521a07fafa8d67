package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
)

// Runtime selects how a command is isolated
type Runtime string

const (
	// RuntimeDocker runs the command in a throwaway container with resource ceilings
	RuntimeDocker Runtime = "docker"
	// RuntimeProcess runs the command as a host process in its own process group
	RuntimeProcess Runtime = "process"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultGracePeriod = 5 * time.Second
	defaultMaxOutput   = 10 << 20
	maxLineBytes       = 1 << 20
)

// Config holds executor defaults
type Config struct {
	Runtime         Runtime
	DockerBinary    string
	Image           string
	Network         string
	DefaultTimeout  time.Duration
	KillGracePeriod time.Duration
	MaxOutputBytes  int
	DefaultMemory   string
	DefaultCPU      string
	PidsLimit       int
}

// ExecutionRequest describes one sandboxed run
type ExecutionRequest struct {
	Command     string
	Args        []string
	Stdin       []byte
	Timeout     time.Duration
	MemoryLimit string
	CPULimit    string
	Env         map[string]string
	// Image overrides the configured container image
	Image string
}

// ExecutionResult is the outcome of a buffered run
type ExecutionResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Success   bool
	Duration  time.Duration
	// Truncated reports stdout cut off at MaxOutputBytes. Stderr is capped
	// silently.
	Truncated bool
}

// Executor launches commands under isolation and tears them down on
// completion, timeout or cancellation. Processes are never reused.
type Executor struct {
	config Config
	logger *zap.Logger
}

// NewExecutor creates an executor, filling unset config with defaults
func NewExecutor(config Config, logger *zap.Logger) *Executor {
	if config.Runtime == "" {
		config.Runtime = RuntimeDocker
	}
	if config.DockerBinary == "" {
		config.DockerBinary = "docker"
	}
	if config.Network == "" {
		config.Network = "none"
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaultTimeout
	}
	if config.KillGracePeriod <= 0 {
		config.KillGracePeriod = defaultGracePeriod
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = defaultMaxOutput
	}
	if config.DefaultMemory == "" {
		config.DefaultMemory = "512m"
	}
	if config.DefaultCPU == "" {
		config.DefaultCPU = "1"
	}
	if config.PidsLimit <= 0 {
		config.PidsLimit = 256
	}
	return &Executor{config: config, logger: logger}
}

// Runtime returns the isolation runtime in use
func (e *Executor) Runtime() Runtime {
	return e.config.Runtime
}

// process is one launched command plus its teardown bookkeeping
type process struct {
	cmd       *exec.Cmd
	container string
	workDir   string
	waitCh    chan error
	stderr    *limitedBuffer
}

// Run executes a command, buffering its output.
// A non-zero exit is reported through the result, not as an error.
func (e *Executor) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.NewCancelledError(err)
	}

	p, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	defer e.cleanup(p)

	stdout := newLimitedBuffer(e.config.MaxOutputBytes)
	p.cmd.Stdout = stdout
	p.cmd.Stdin = bytes.NewReader(req.Stdin)

	start := time.Now()
	if err := e.start(p, req); err != nil {
		return nil, err
	}
	go func() {
		p.waitCh <- p.cmd.Wait()
	}()

	timeout := e.timeout(req)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-p.waitCh:
		result := &ExecutionResult{
			ExitCode:  exitCode(waitErr),
			Stdout:    stdout.String(),
			Stderr:    Redact(p.stderr.String()),
			Duration:  time.Since(start),
			Truncated: stdout.Truncated(),
		}
		result.Success = result.ExitCode == 0
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return nil, services.WrapInternal("sandboxed process failed", waitErr)
		}
		e.logger.Debug("sandboxed process finished",
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.Duration))
		return result, nil

	case <-timer.C:
		e.terminate(p)
		e.logger.Warn("sandboxed process timed out",
			zap.String("command", RedactCommand(req.Command, req.Args)),
			zap.Duration("timeout", timeout))
		return nil, services.NewSandboxTimeoutError(timeout)

	case <-ctx.Done():
		e.terminate(p)
		return nil, services.NewCancelledError(ctx.Err())
	}
}

// Stream executes a command and translates its stdout, read as NDJSON,
// into chat deltas as records arrive. The terminal chunk is emitted after
// a successful exit; closing the stream terminates the process.
func (e *Executor) Stream(ctx context.Context, req ExecutionRequest) (*providers.ChatStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.NewCancelledError(err)
	}

	p, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		e.cleanup(p)
		return nil, services.WrapInternal("failed to open stdout pipe", err)
	}
	p.cmd.Stdin = bytes.NewReader(req.Stdin)

	if err := e.start(p, req); err != nil {
		e.cleanup(p)
		return nil, err
	}

	lines := make(chan []byte)
	stop := make(chan struct{})
	readDone := make(chan struct{})
	// readErr is written before lines is closed
	var readErr error
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-stop:
				close(lines)
				_, _ = io.Copy(io.Discard, stdout)
				return
			}
		}
		readErr = scanner.Err()
		close(lines)
		// drain so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}()
	go func() {
		<-readDone
		p.waitCh <- p.cmd.Wait()
	}()

	timeout := e.timeout(req)
	return providers.NewChatStream(ctx, func(ctx context.Context, emit providers.EmitFunc) error {
		defer e.cleanup(p)
		var stopOnce sync.Once
		halt := func() { stopOnce.Do(func() { close(stop) }) }
		defer halt()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		finish := ""
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					if readErr != nil {
						e.terminate(p)
						if errors.Is(readErr, bufio.ErrTooLong) {
							return services.NewSandboxOutputLimitError(maxLineBytes)
						}
						return services.WrapInternal("failed to read sandbox output", readErr)
					}
					return e.finishStream(ctx, p, timer, timeout, finish, emit)
				}
				delta, keep, recErr := TranslateRecord(line)
				if recErr != nil {
					halt()
					e.terminate(p)
					return recErr
				}
				if !keep {
					continue
				}
				if delta.FinishReason != "" {
					finish = delta.FinishReason
				}
				if !emit(delta) {
					halt()
					e.terminate(p)
					return services.NewCancelledError(ctx.Err())
				}

			case <-timer.C:
				halt()
				e.terminate(p)
				e.logger.Warn("sandboxed stream timed out",
					zap.String("command", RedactCommand(req.Command, req.Args)),
					zap.Duration("timeout", timeout))
				return services.NewSandboxTimeoutError(timeout)

			case <-ctx.Done():
				halt()
				e.terminate(p)
				return services.NewCancelledError(ctx.Err())
			}
		}
	}), nil
}

// finishStream waits for exit after stdout closed and emits the terminal chunk
func (e *Executor) finishStream(ctx context.Context, p *process, timer *time.Timer, timeout time.Duration, finish string, emit providers.EmitFunc) error {
	select {
	case waitErr := <-p.waitCh:
		code := exitCode(waitErr)
		if code != 0 {
			return services.NewSandboxNonZeroExitError(code, Redact(p.stderr.String()))
		}
		if finish == "" {
			finish = "stop"
		}
		emit(providers.ChatDelta{FinishReason: finish, Done: true})
		return nil
	case <-timer.C:
		e.terminate(p)
		return services.NewSandboxTimeoutError(timeout)
	case <-ctx.Done():
		e.terminate(p)
		return services.NewCancelledError(ctx.Err())
	}
}

// prepare builds the command without starting it
func (e *Executor) prepare(req ExecutionRequest) (*process, error) {
	if req.Command == "" {
		return nil, services.NewConfigurationError("sandbox command is required", []string{"command is required"})
	}

	p := &process{
		waitCh: make(chan error, 1),
		stderr: newLimitedBuffer(e.config.MaxOutputBytes),
	}

	switch e.config.Runtime {
	case RuntimeDocker:
		image := req.Image
		if image == "" {
			image = e.config.Image
		}
		if image == "" {
			return nil, services.NewConfigurationError("sandbox image is required for docker runtime", []string{"image is required"})
		}
		p.container = "llmgw-" + uuid.NewString()
		argv := e.dockerArgs(p.container, image, req)
		p.cmd = exec.Command(e.config.DockerBinary, argv...)
		// values travel through the docker CLI environment, never through argv
		p.cmd.Env = append(baseEnv(), envPairs(req.Env)...)

	case RuntimeProcess:
		dir, err := os.MkdirTemp("", "llmgw-sandbox-")
		if err != nil {
			return nil, services.WrapInternal("failed to create sandbox work dir", err)
		}
		p.workDir = dir
		p.cmd = exec.Command(req.Command, req.Args...)
		p.cmd.Dir = dir
		p.cmd.Env = append(baseEnv(), envPairs(req.Env)...)

	default:
		return nil, services.NewConfigurationError("unknown sandbox runtime",
			[]string{fmt.Sprintf("runtime must be %q or %q, got %q", RuntimeDocker, RuntimeProcess, e.config.Runtime)})
	}

	setProcessGroup(p.cmd)
	p.cmd.Stderr = p.stderr
	return p, nil
}

// dockerArgs builds the argument vector for a throwaway container
func (e *Executor) dockerArgs(name, image string, req ExecutionRequest) []string {
	memory := req.MemoryLimit
	if memory == "" {
		memory = e.config.DefaultMemory
	}
	cpu := req.CPULimit
	if cpu == "" {
		cpu = e.config.DefaultCPU
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", e.config.Network,
		"--memory", memory,
		"--cpus", cpu,
		"--pids-limit", strconv.Itoa(e.config.PidsLimit),
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "-e", k)
	}
	args = append(args, image, req.Command)
	return append(args, req.Args...)
}

func (e *Executor) start(p *process, req ExecutionRequest) error {
	if e.config.Runtime == RuntimeProcess && (req.MemoryLimit != "" || req.CPULimit != "") {
		e.logger.Debug("resource limits are not enforced by the process runtime")
	}
	e.logger.Info("starting sandboxed process",
		zap.String("runtime", string(e.config.Runtime)),
		zap.String("command", RedactCommand(req.Command, req.Args)),
		zap.String("container", p.container))

	if err := p.cmd.Start(); err != nil {
		return services.WrapInternal("failed to start sandboxed process", err)
	}
	return nil
}

func (e *Executor) timeout(req ExecutionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.config.DefaultTimeout
}

// terminate sends SIGTERM to the process group, then SIGKILL after the
// grace period, and waits for the process to be reaped.
func (e *Executor) terminate(p *process) {
	if p.cmd.Process == nil {
		return
	}
	_ = terminateGroup(p.cmd)

	grace := time.NewTimer(e.config.KillGracePeriod)
	defer grace.Stop()

	select {
	case err := <-p.waitCh:
		p.waitCh <- err
	case <-grace.C:
		e.logger.Warn("sandboxed process ignored SIGTERM, killing",
			zap.Int("pid", p.cmd.Process.Pid))
		_ = killGroup(p.cmd)
		err := <-p.waitCh
		p.waitCh <- err
	}
}

// cleanup removes the container and work dir left by a run
func (e *Executor) cleanup(p *process) {
	if p.container != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// no-op when --rm already removed it
		_ = exec.CommandContext(ctx, e.config.DockerBinary, "rm", "-f", p.container).Run()
	}
	if p.workDir != "" {
		if err := os.RemoveAll(p.workDir); err != nil {
			e.logger.Warn("failed to remove sandbox work dir", zap.Error(err))
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func baseEnv() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// limitedBuffer keeps the first max bytes written and discards the rest
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

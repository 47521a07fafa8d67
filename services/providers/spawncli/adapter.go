package spawncli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/httpclient"
	"github.com/upb/llm-gateway/services/sandbox"
)

const defaultCredentialEnv = "LLM_API_KEY"

// Executor runs sandboxed commands
type Executor interface {
	Run(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	Stream(ctx context.Context, req sandbox.ExecutionRequest) (*providers.ChatStream, error)
}

// Config is the spawn-cli adapter config bag
type Config struct {
	Command            string            `json:"command" validate:"required"`
	Args               []string          `json:"args,omitempty"`
	EmbeddingsArgs     []string          `json:"embeddingsArgs,omitempty"`
	ModelsArgs         []string          `json:"modelsArgs,omitempty"`
	TestArgs           []string          `json:"testArgs,omitempty"`
	Image              string            `json:"image,omitempty"`
	TimeoutMs          int               `json:"timeoutMs,omitempty" validate:"gte=0"`
	Memory             string            `json:"memory,omitempty"`
	CPU                string            `json:"cpu,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	CredentialEnv      string            `json:"credentialEnv,omitempty"`
	SupportsStreaming  bool              `json:"supportsStreaming,omitempty"`
	SupportsEmbeddings bool              `json:"supportsEmbeddings,omitempty"`
}

// Adapter serves chat and embeddings through a command-line tool run in the
// sandbox. The request goes in as JSON on stdin; the reply comes back as
// JSON, NDJSON or plain text on stdout.
type Adapter struct {
	provider models.Provider
	config   Config
	problems []string
	executor Executor
	logger   *zap.Logger
}

// New creates a spawn-cli adapter. Config problems are reported by ValidateConfig.
func New(provider models.Provider, executor Executor, logger *zap.Logger) *Adapter {
	var cfg Config
	problems := providers.DecodeConfig(provider, &cfg)
	if cfg.CredentialEnv == "" {
		cfg.CredentialEnv = defaultCredentialEnv
	}
	return &Adapter{
		provider: provider,
		config:   cfg,
		problems: problems,
		executor: executor,
		logger:   logger,
	}
}

// Builder returns the factory builder for spawn-cli providers
func Builder(executor Executor, logger *zap.Logger) providers.AdapterBuilder {
	return func(p models.Provider) (providers.Adapter, error) {
		return New(p, executor, logger), nil
	}
}

// Type returns the adapter variant
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderTypeSpawnCLI
}

// ValidateConfig reports every config problem found at construction
func (a *Adapter) ValidateConfig() providers.ValidationResult {
	return providers.NewValidationResult(a.problems)
}

type chatPayload struct {
	Operation string                `json:"operation"`
	Model     string                `json:"model"`
	Messages  []providers.Message   `json:"messages"`
	Options   providers.ChatOptions `json:"options"`
	Stream    bool                  `json:"stream"`
}

type embeddingsPayload struct {
	Operation string   `json:"operation"`
	Model     string   `json:"model"`
	Input     []string `json:"input"`
}

// HandleChat runs the tool once per request. Streaming requires
// supportsStreaming; otherwise the call is served buffered.
func (a *Adapter) HandleChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	stream := req.Options.Stream
	if stream && !a.config.SupportsStreaming {
		a.logger.Info("streaming not enabled for cli provider, serving buffered",
			zap.String("provider_id", a.provider.ID),
			zap.String("request_id", req.Meta.RequestID))
		stream = false
	}

	opts := req.Options
	opts.Stream = stream
	stdin, err := json.Marshal(chatPayload{
		Operation: "chat",
		Model:     req.Model,
		Messages:  req.Messages,
		Options:   opts,
		Stream:    stream,
	})
	if err != nil {
		return nil, services.NewValidationError("failed to encode chat request", err)
	}

	start := time.Now()
	execReq := a.executionRequest(a.config.Args, stdin)
	if stream {
		s, err := a.executor.Stream(ctx, execReq)
		if err != nil {
			return nil, err
		}
		return &providers.ChatResult{Stream: s, Latency: time.Since(start)}, nil
	}

	result, err := a.executor.Run(ctx, execReq)
	if err != nil {
		return nil, err
	}
	if err := checkResult(result); err != nil {
		return nil, err
	}
	raw, err := collapseRecords([]byte(result.Stdout))
	if err != nil {
		return nil, err
	}
	return &providers.ChatResult{Raw: raw, Latency: result.Duration}, nil
}

// HandleEmbeddings runs the tool in embeddings mode when enabled
func (a *Adapter) HandleEmbeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResult, error) {
	if !a.config.SupportsEmbeddings {
		return nil, services.NewNotSupportedError("embeddings", string(a.Type()))
	}

	stdin, err := json.Marshal(embeddingsPayload{Operation: "embeddings", Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, services.NewValidationError("failed to encode embeddings request", err)
	}

	args := a.config.EmbeddingsArgs
	if len(args) == 0 {
		args = a.config.Args
	}
	result, err := a.executor.Run(ctx, a.executionRequest(args, stdin))
	if err != nil {
		return nil, err
	}
	if err := checkResult(result); err != nil {
		return nil, err
	}
	return &providers.EmbeddingsResult{Raw: bytes.TrimSpace([]byte(result.Stdout)), Latency: result.Duration}, nil
}

// TestConnection runs the tool with its test arguments (default --version)
func (a *Adapter) TestConnection(ctx context.Context) providers.TestResult {
	args := a.config.TestArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}

	start := time.Now()
	result, err := a.executor.Run(ctx, a.executionRequest(args, nil))
	elapsed := time.Since(start).Milliseconds()
	switch {
	case err != nil:
		return providers.TestResult{Success: false, Message: err.Error(), ResponseTimeMs: elapsed}
	case !result.Success:
		return providers.TestResult{
			Success:        false,
			Message:        services.NewSandboxNonZeroExitError(result.ExitCode, result.Stderr).Error(),
			ResponseTimeMs: elapsed,
		}
	}

	return providers.TestResult{
		Success:        true,
		Message:        "command executed successfully",
		ResponseTimeMs: elapsed,
		Details: map[string]any{
			"command": a.config.Command,
			"output":  firstLine(result.Stdout),
		},
	}
}

// GetModels returns configured mappings, plus models the tool lists when
// modelsArgs is set
func (a *Adapter) GetModels(ctx context.Context) ([]models.ModelMapping, error) {
	if len(a.config.ModelsArgs) == 0 {
		return providers.MergeModels(a.provider.Models, nil), nil
	}

	result, err := a.executor.Run(ctx, a.executionRequest(a.config.ModelsArgs, nil))
	if err != nil || !result.Success {
		a.logger.Debug("model discovery failed",
			zap.String("provider_id", a.provider.ID),
			zap.Error(err))
		return providers.MergeModels(a.provider.Models, nil), nil
	}

	ids := httpclient.ParseModelIDs([]byte(result.Stdout))
	if ids == nil {
		for _, line := range strings.Split(result.Stdout, "\n") {
			if id := strings.TrimSpace(line); id != "" {
				ids = append(ids, id)
			}
		}
	}

	discovered := make([]models.ModelMapping, 0, len(ids))
	for _, id := range ids {
		discovered = append(discovered, models.ModelMapping{
			ExternalModelID:    id,
			AdapterModelID:     id,
			SupportsStreaming:  a.config.SupportsStreaming,
			SupportsEmbeddings: a.config.SupportsEmbeddings,
		})
	}
	return providers.MergeModels(a.provider.Models, discovered), nil
}

// executionRequest builds a sandbox request. Secrets travel as environment
// variables, never as arguments.
func (a *Adapter) executionRequest(args []string, stdin []byte) sandbox.ExecutionRequest {
	env := make(map[string]string, len(a.config.Env)+1)
	for k, v := range a.config.Env {
		env[k] = v
	}
	if a.provider.Credentials.Secret != "" {
		env[a.config.CredentialEnv] = a.provider.Credentials.Secret
	}

	return sandbox.ExecutionRequest{
		Command:     a.config.Command,
		Args:        append([]string(nil), args...),
		Stdin:       stdin,
		Timeout:     providers.Millis(a.config.TimeoutMs, 0),
		MemoryLimit: a.config.Memory,
		CPULimit:    a.config.CPU,
		Env:         env,
		Image:       a.config.Image,
	}
}

// checkResult rejects failed runs and output cut off at the sandbox limit
func checkResult(result *sandbox.ExecutionResult) error {
	if !result.Success {
		return services.NewSandboxNonZeroExitError(result.ExitCode, result.Stderr)
	}
	if result.Truncated {
		return services.NewSandboxOutputLimitError(len(result.Stdout))
	}
	return nil
}

// collapseRecords folds NDJSON output of a buffered run into a single
// {content, finish_reason} document. Single documents and plain text are
// returned as they are. Error records fail the run, as they fail a stream.
func collapseRecords(stdout []byte) ([]byte, error) {
	out := bytes.TrimSpace(stdout)
	if gjson.ValidBytes(out) {
		if _, _, err := sandbox.TranslateRecord(out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if len(out) == 0 || !bytes.Contains(out, []byte("\n")) {
		return out, nil
	}

	var content strings.Builder
	finish := ""
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return out, nil
		}
		delta, keep, err := sandbox.TranslateRecord(line)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		content.WriteString(delta.Content)
		if delta.FinishReason != "" {
			finish = delta.FinishReason
		}
	}
	if finish == "" {
		finish = "stop"
	}

	doc, err := sjson.SetBytes([]byte(`{}`), "content", content.String())
	if err != nil {
		return out, nil
	}
	doc, err = sjson.SetBytes(doc, "finish_reason", finish)
	if err != nil {
		return out, nil
	}
	return doc, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

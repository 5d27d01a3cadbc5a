package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultMaxIterations bounds the model calls of one invocation.
	DefaultMaxIterations = 15
	// DefaultMaxRetries is the number of attempts for a retryable model error.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the first backoff delay; it doubles per attempt.
	DefaultRetryDelay = time.Second
	// DefaultSystemPrompt seeds sessions when none is configured.
	DefaultSystemPrompt = "You are a helpful assistant."

	emptyResponseNudge = "Your previous reply was empty. Answer the request or call a tool."
)

// State is a position of the loop's state machine.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateFinished       State = "finished"
	StateFailed         State = "failed"
)

// ErrIterationLimit matches every *IterationLimitError.
var ErrIterationLimit = errors.New("iteration limit exceeded")

// IterationLimitError reports a loop that reached its iteration bound
// without a final answer.
type IterationLimitError struct {
	MaxIterations int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("iteration limit reached without a final answer (max iterations: %d)", e.MaxIterations)
}

func (e *IterationLimitError) Is(target error) bool {
	return target == ErrIterationLimit
}

// ToolCatalog is what the loop needs from the tool catalog.
type ToolCatalog interface {
	Specs(ctx context.Context) ([]toolexecutor.ToolSpec, error)
	DispatchBatch(ctx context.Context, invocations []toolexecutor.ToolInvocation, opts toolexecutor.DispatchOptions) []toolexecutor.ToolResult
}

// Config configures a Loop.
type Config struct {
	Provider     LLMProvider
	Catalog      ToolCatalog
	Model        string
	SystemPrompt string
	// MaxIterations bounds model calls. Zero means DefaultMaxIterations.
	MaxIterations int
	Temperature   float64
	MaxTokens     int
	// MaxRetries is the number of attempts per model call. Zero means
	// DefaultMaxRetries.
	MaxRetries int
	// RetryDelay is the first backoff delay. Zero means DefaultRetryDelay.
	RetryDelay time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Input is one invocation request.
type Input struct {
	Input string `json:"input"`
	// BypassCache skips the tool result cache for this invocation.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

// Result is the outcome of an invocation. It is returned on failure too,
// carrying the partial session.
type Result struct {
	// Final is the last assistant message stored in the session.
	Final Message `json:"final"`
	// Content is every piece of assistant content of the invocation, in
	// order. Streamed content chunks concatenate to it.
	Content    string     `json:"content"`
	Session    *Session   `json:"-"`
	State      State      `json:"state"`
	Iterations int        `json:"iterations"`
	Usage      TokenUsage `json:"usage"`
}

// Loop drives the think/act/observe cycle: it calls the model, dispatches
// the tool calls it asks for and feeds the results back until the model
// answers without tools or the iteration bound is reached. A Loop holds no
// per-invocation state and may serve concurrent invocations.
type Loop struct {
	provider      LLMProvider
	catalog       ToolCatalog
	model         string
	systemPrompt  string
	maxIterations int
	temperature   float64
	maxTokens     int
	maxRetries    int
	retryDelay    time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}
	if cfg.MaxIterations < 0 || cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max iterations and max retries cannot be negative")
	}

	l := &Loop{
		provider:      cfg.Provider,
		catalog:       cfg.Catalog,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if l.systemPrompt == "" {
		l.systemPrompt = DefaultSystemPrompt
	}
	if l.maxIterations == 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.maxRetries == 0 {
		l.maxRetries = DefaultMaxRetries
	}
	if l.retryDelay <= 0 {
		l.retryDelay = DefaultRetryDelay
	}
	return l, nil
}

// Run executes one invocation and returns the final answer. On failure the
// Result is still returned, in StateFailed, with the partial session.
func (l *Loop) Run(ctx context.Context, in Input) (*Result, error) {
	return l.run(ctx, in, nil, "run")
}

func (l *Loop) run(ctx context.Context, in Input, emit func(Chunk), mode string) (*Result, error) {
	start := time.Now()
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewRunContext(ctx)
	ctx, span := tracing.StartSpan(
		ctx,
		"toolmesh.agent",
		"agent."+mode,
		attribute.String("model", l.model),
		attribute.String("provider", l.provider.Provider()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	result := &Result{
		Session: NewSession(l.systemPrompt, in.Input),
		State:   StateAwaitingModel,
	}

	var content strings.Builder
	err := l.iterate(ctx, in, result, &content, emit, logger)
	result.Content = content.String()

	if err != nil {
		result.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Err(err).
			Int("iterations", result.Iterations).
			Int("messages", result.Session.Len()).
			Msg("Agent run failed")
	} else {
		result.State = StateFinished
		logger.Info().
			Int("iterations", result.Iterations).
			Int("input_tokens", result.Usage.InputTokens).
			Int("output_tokens", result.Usage.OutputTokens).
			Dur("duration", time.Since(start)).
			Msg("Agent run finished")
	}
	span.SetAttributes(attribute.Int("iterations", result.Iterations), attribute.String("state", string(result.State)))
	l.metrics.RecordAgentRun(mode, string(result.State), result.Iterations, time.Since(start))

	return result, err
}

func (l *Loop) iterate(ctx context.Context, in Input, result *Result, content *strings.Builder, emit func(Chunk), logger zerolog.Logger) error {
	for result.Iterations < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}

		specs, err := l.catalog.Specs(ctx)
		if err != nil {
			return fmt.Errorf("build tool catalog: %w", err)
		}

		result.State = StateAwaitingModel
		result.Iterations++
		logger.Debug().Int("iteration", result.Iterations).Int("tools", len(specs)).Msg("Calling model")

		response, err := l.callModelWithRetry(ctx, LLMRequest{
			Model:       l.model,
			Messages:    result.Session.Messages(),
			Tools:       specs,
			Temperature: l.temperature,
			MaxTokens:   l.maxTokens,
		}, emit, logger)
		if err != nil {
			return err
		}
		// A response that arrives after cancellation was not delivered.
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Usage.Add(response.Usage)
		content.WriteString(response.Content)

		if len(response.ToolCalls) == 0 {
			if strings.TrimSpace(response.Content) == "" {
				logger.Warn().Int("iteration", result.Iterations).Msg("Model returned neither content nor tool calls")
				if err := result.Session.Append(Message{Role: RoleUser, Content: emptyResponseNudge}); err != nil {
					return err
				}
				continue
			}
			final := Message{Role: RoleAssistant, Content: response.Content}
			if err := result.Session.Append(final); err != nil {
				return err
			}
			result.Final = final
			return nil
		}

		result.State = StateExecutingTools
		calls := normalizeToolCalls(response.ToolCalls)
		assistant := Message{Role: RoleAssistant, Content: response.Content, ToolCalls: calls}
		if err := result.Session.Append(assistant); err != nil {
			return err
		}
		result.Final = assistant

		for _, res := range l.executeTools(ctx, calls, in, emit) {
			if err := result.Session.Append(Message{
				Role:       RoleTool,
				Content:    res.Content,
				ToolCallID: res.CallID,
				Name:       res.Name,
				IsError:    res.IsError,
			}); err != nil {
				return err
			}
		}
	}

	return &IterationLimitError{MaxIterations: l.maxIterations}
}

// executeTools answers every call, in call order. Calls with malformed
// arguments are answered with an error without being dispatched.
func (l *Loop) executeTools(ctx context.Context, calls []ToolCall, in Input, emit func(Chunk)) []toolexecutor.ToolResult {
	results := make([]toolexecutor.ToolResult, len(calls))
	invocations := make([]toolexecutor.ToolInvocation, 0, len(calls))
	positions := make([]int, 0, len(calls))

	for i, tc := range calls {
		if emit != nil {
			emit(Chunk{Type: ChunkToolInvoked, Payload: tc})
		}
		if tc.ArgumentsError != "" {
			res := toolexecutor.ErrorResult(tc.Name, fmt.Sprintf("Error: malformed JSON arguments for tool '%s': %s. Arguments must be a JSON object.", tc.Name, tc.ArgumentsError))
			res.CallID = tc.ID
			results[i] = res
			continue
		}
		invocations = append(invocations, toolexecutor.ToolInvocation{
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
		positions = append(positions, i)
	}

	dispatched := l.catalog.DispatchBatch(ctx, invocations, toolexecutor.DispatchOptions{BypassCache: in.BypassCache})
	for j, res := range dispatched {
		results[positions[j]] = res
	}

	if emit != nil {
		for _, res := range results {
			emit(Chunk{Type: ChunkToolResult, Payload: ToolResultPayload{
				CallID:  res.CallID,
				Name:    res.Name,
				Content: res.Content,
				IsError: res.IsError,
			}})
		}
	}
	return results
}

// normalizeToolCalls gives every call a unique id and a non-nil argument map.
func normalizeToolCalls(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = "call_" + uuid.New().String()
		}
		seen[tc.ID] = true
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		out[i] = tc
	}
	return out
}

// callModelWithRetry calls the model with exponential backoff retry. A call
// that already streamed content is not retried.
func (l *Loop) callModelWithRetry(ctx context.Context, request LLMRequest, emit func(Chunk), logger zerolog.Logger) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		streamed := false
		start := time.Now()
		response, err := l.callModel(ctx, request, emit, &streamed)
		l.metrics.RecordModelRequest(l.provider.Provider(), err, time.Since(start))
		if err == nil {
			return response, nil
		}

		lastErr = err

		var parseErr *ModelResponseParseError
		if errors.As(err, &parseErr) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if streamed || !IsRetryableError(err) {
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		// Last attempt - don't wait
		if attempt == l.maxRetries-1 {
			break
		}

		delay := l.retryDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", l.maxRetries, lastErr)
}

func (l *Loop) callModel(ctx context.Context, request LLMRequest, emit func(Chunk), streamed *bool) (*LLMResponse, error) {
	if emit != nil {
		if sp, ok := l.provider.(StreamingProvider); ok {
			return sp.Stream(ctx, request, func(delta string) {
				*streamed = true
				emit(Chunk{Type: ChunkContent, Payload: delta})
			})
		}
	}

	response, err := l.provider.Call(ctx, request)
	if err == nil && emit != nil && response.Content != "" {
		emit(Chunk{Type: ChunkContent, Payload: response.Content})
	}
	return response, err
}

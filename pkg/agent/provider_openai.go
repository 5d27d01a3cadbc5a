package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements LLMProvider for OpenAI-compatible chat completions
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The loop owns retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// Call makes an API call to OpenAI
func (p *OpenAIProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	params, names, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	return p.convertResponse(response, names)
}

// Stream makes a streaming API call and assembles the chunks with the SDK
// accumulator.
func (p *OpenAIProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	params, names, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		if !acc.AddChunk(chunk) {
			return nil, &ModelResponseParseError{Provider: p.Provider(), Reason: "stream chunk does not continue the completion"}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onDelta != nil {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return p.convertResponse(&acc.ChatCompletion, names)
}

func (p *OpenAIProvider) buildParams(request LLMRequest) (openai.ChatCompletionNewParams, *toolNames, error) {
	names := newToolNames(request.Tools)
	messages := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionNewParams{}, nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      names.wire(tc.Name),
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}

	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        names.wire(spec.Name),
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(schemaOf(spec)),
				},
			})
		}
		params.Tools = tools
	}

	return params, names, nil
}

func (p *OpenAIProvider) convertResponse(response *openai.ChatCompletion, names *toolNames) (*LLMResponse, error) {
	if len(response.Choices) == 0 {
		return nil, &ModelResponseParseError{Provider: p.Provider(), Reason: "no response choices returned"}
	}

	choice := response.Choices[0]
	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, &ModelResponseParseError{Provider: p.Provider(), Reason: fmt.Sprintf("tool call %q has no function name", tc.ID)}
		}
		args, argErr := decodeArguments(tc.Function.Arguments)
		toolCalls = append(toolCalls, ToolCall{
			ID:             tc.ID,
			Name:           names.catalog(tc.Function.Name),
			Arguments:      args,
			ArgumentsError: argErr,
		})
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// decodeArguments parses a JSON object of tool arguments. Empty input is an
// empty object. Anything else that is not an object yields empty arguments
// and a description of the problem.
func decodeArguments(raw string) (map[string]any, string) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, err.Error()
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, ""
}

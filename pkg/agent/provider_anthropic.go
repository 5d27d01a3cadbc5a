package agent

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements LLMProvider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	params, names, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	return p.convertResponse(response, names)
}

// Stream makes a streaming API call and assembles the events with
// Message.Accumulate.
func (p *AnthropicProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	params, names, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &ModelResponseParseError{Provider: p.Provider(), Reason: "stream event does not continue the message", Err: err}
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && onDelta != nil {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return p.convertResponse(&message, names)
}

func (p *AnthropicProvider) buildParams(request LLMRequest) (anthropic.MessageNewParams, *toolNames, error) {
	names := newToolNames(request.Tools)
	messages := []anthropic.MessageParam{}
	var system []anthropic.TextBlockParam

	// Consecutive tool results answer one assistant turn and travel
	// together in a single user message.
	var results []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range request.Messages {
		if msg.Role == RoleTool {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flushResults()

		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, names.wire(tc.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flushResults()

	maxTokens := int64(request.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    system,
	}

	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			schema := schemaOf(spec)
			tool := anthropic.ToolParam{
				Name:        names.wire(spec.Name),
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   requiredFields(schema),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}

	return params, names, nil
}

func (p *AnthropicProvider) convertResponse(response *anthropic.Message, names *toolNames) (*LLMResponse, error) {
	content := ""
	toolCalls := []ToolCall{}

	for _, block := range response.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			if block.Name == "" {
				return nil, &ModelResponseParseError{Provider: p.Provider(), Reason: fmt.Sprintf("tool_use block %q has no name", block.ID)}
			}
			args, argErr := decodeArguments(string(block.Input))
			toolCalls = append(toolCalls, ToolCall{
				ID:             block.ID,
				Name:           names.catalog(block.Name),
				Arguments:      args,
				ArgumentsError: argErr,
			})
		}
	}

	return &LLMResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: string(response.StopReason),
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

package requesters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// AnthropicName is the requester for the Anthropic messages API.
const AnthropicName = "anthropic-messages"

// DefaultAnthropicMaxTokens applies when extra_args leaves max_tokens unset.
const DefaultAnthropicMaxTokens = 4096

// Anthropic speaks the messages protocol.
type Anthropic struct {
	provider config.ProviderConfig
	http     *http.Client
}

// NewAnthropic builds an Anthropic messages requester.
func NewAnthropic(provider config.ProviderConfig) (llm.Requester, error) {
	return &Anthropic{provider: provider, http: httpClient(provider.RequesterConfig.Headers)}, nil
}

func (r *Anthropic) Name() string { return AnthropicName }

func (r *Anthropic) options(req *llm.Request) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithHTTPClient(r.http),
		// The broker owns retries.
		option.WithMaxRetries(0),
	}
	if r.provider.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(r.provider.BaseURL))
	}
	for k, v := range req.ExtraArgs {
		if k == "max_tokens" {
			continue
		}
		opts = append(opts, option.WithJSONSet(k, v))
	}
	return opts
}

func (r *Anthropic) params(req *llm.Request) (anthropic.MessageNewParams, error) {
	system, rest := splitSystem(req.Messages)
	msgs, err := AnthropicMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	tools, err := AnthropicTools(req.Funcs)
	if err != nil {
		return anthropic.MessageNewParams{}, llm.NewRequesterError(AnthropicName, req.Model, err)
	}
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens(req.ExtraArgs),
		Tools:     tools,
	}
	if system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return p, nil
}

func maxTokens(extra map[string]any) int64 {
	switch v := extra["max_tokens"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return DefaultAnthropicMaxTokens
}

func (r *Anthropic) Invoke(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	params, err := r.params(req)
	if err != nil {
		return nil, err
	}
	client := anthropic.NewClient()
	resp, err := client.Messages.New(ctx, params, r.options(req)...)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	var text, reasoning strings.Builder
	msg := &models.Message{Role: models.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	msg.Content = llm.NormalizeThink(reasoning.String(), text.String(), req.RemoveThink)
	usage := &llm.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return &llm.Completion{Message: msg, Usage: usage}, nil
}

func (r *Anthropic) InvokeStream(ctx context.Context, req *llm.Request) iter.Seq2[*llm.StreamEvent, error] {
	return func(yield func(*llm.StreamEvent, error) bool) {
		params, err := r.params(req)
		if err != nil {
			yield(nil, err)
			return
		}
		client := anthropic.NewClient()
		stream := client.Messages.NewStreaming(ctx, params, r.options(req)...)
		defer stream.Close()

		think := llm.NewThinkStream(req.RemoveThink)
		toolIDs := map[int64]string{}
		usage := &llm.Usage{}
		emit := func(chunk *models.MessageChunk) bool {
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
				return true
			}
			chunk.Role = models.RoleAssistant
			return yield(&llm.StreamEvent{Chunk: chunk}, nil)
		}
		for stream.Next() {
			ev := stream.Current()
			var chunk models.MessageChunk
			switch ev.Type {
			case "message_start":
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					toolIDs[ev.Index] = ev.ContentBlock.ID
					chunk.ToolCalls = []models.ToolCall{{
						ID:       ev.ContentBlock.ID,
						Type:     "function",
						Function: models.FunctionCall{Name: ev.ContentBlock.Name},
					}}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					chunk.Content = think.Push("", ev.Delta.Text)
				case "thinking_delta":
					chunk.Content = think.Push(ev.Delta.Thinking, "")
				case "input_json_delta":
					chunk.ToolCalls = []models.ToolCall{{
						ID:       toolIDs[ev.Index],
						Type:     "function",
						Function: models.FunctionCall{Arguments: ev.Delta.PartialJSON},
					}}
				}
			case "message_delta":
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
			if !emit(&chunk) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, r.wrap(req.Model, err))
			return
		}
		if !emit(&models.MessageChunk{Message: models.Message{Content: think.Flush()}}) {
			return
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		yield(&llm.StreamEvent{Usage: usage}, nil)
	}
}

func (r *Anthropic) Embed(context.Context, *llm.EmbeddingRequest) (*llm.Embeddings, error) {
	return nil, llm.Unsupported(AnthropicName, "embedding")
}

func (r *Anthropic) wrap(model string, err error) error {
	rerr := llm.NewRequesterError(AnthropicName, model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		rerr = rerr.WithStatus(apiErr.StatusCode)
	}
	return rerr
}

// AnthropicMessages converts a conversation without system messages.
// Consecutive tool results are merged into one user turn.
func AnthropicMessages(msgs []*models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Text(), false)
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.NewUserMessage(block))
		case models.RoleAssistant, models.RoleCommand, models.RolePlugin:
			blocks, err := anthropicBlocks(m)
			if err != nil {
				return nil, err
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, decodeArgs(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			blocks, err := anthropicBlocks(m)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func isToolResultTurn(m anthropic.MessageParam) bool {
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}

func anthropicBlocks(m *models.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, el := range m.Elements() {
		switch el.Type {
		case models.ContentText:
			if el.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(el.Text))
			}
		case models.ContentImageBase64:
			mediaType, _, encoded, err := inlineImage(el)
			if err != nil {
				return nil, &llm.RequesterError{Reason: llm.ReasonBadRequest, Requester: AnthropicName, Message: err.Error(), Cause: err}
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, encoded))
		case models.ContentImageURL:
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: el.ImageURL}))
		default:
			return nil, llm.Unsupported(AnthropicName, string(el.Type))
		}
	}
	return blocks, nil
}

// AnthropicTools converts tool descriptors to Anthropic tool definitions.
func AnthropicTools(funcs []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	if len(funcs) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(funcs))
	for _, fn := range funcs {
		data, err := json.Marshal(toolSchema(fn))
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", fn.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", fn.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, fn.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", fn.Name)
		}
		tool.OfTool.Description = anthropic.String(fn.Description)
		out = append(out, tool)
	}
	return out, nil
}

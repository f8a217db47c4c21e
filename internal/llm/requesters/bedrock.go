package requesters

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// BedrockName is the requester for the Bedrock Converse API.
const BedrockName = "bedrock-converse"

// Bedrock speaks the Converse API. API keys take the form
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN]"; without keys the
// default AWS credential chain applies.
type Bedrock struct {
	provider config.ProviderConfig
	client   *bedrockruntime.Client
}

// NewBedrock builds a Bedrock Converse requester.
func NewBedrock(provider config.ProviderConfig) (llm.Requester, error) {
	region := provider.RequesterConfig.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if provider.BaseURL != "" {
			o.BaseEndpoint = aws.String(provider.BaseURL)
		}
	})
	return &Bedrock{provider: provider, client: client}, nil
}

func (r *Bedrock) Name() string { return BedrockName }

func (r *Bedrock) credentials(apiKey string) []func(*bedrockruntime.Options) {
	if apiKey == "" {
		return nil
	}
	parts := strings.SplitN(apiKey, ":", 3)
	if len(parts) < 2 {
		return nil
	}
	var session string
	if len(parts) == 3 {
		session = parts[2]
	}
	return []func(*bedrockruntime.Options){func(o *bedrockruntime.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(parts[0], parts[1], session)
	}}
}

type converseParts struct {
	messages   []types.Message
	system     []types.SystemContentBlock
	inference  *types.InferenceConfiguration
	tools      *types.ToolConfiguration
	additional document.Interface
}

func (r *Bedrock) prepare(req *llm.Request) (*converseParts, error) {
	system, rest := splitSystem(req.Messages)
	msgs, err := BedrockMessages(rest)
	if err != nil {
		return nil, err
	}
	p := &converseParts{messages: msgs, tools: BedrockTools(req.Funcs)}
	if system != "" {
		p.system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	p.inference, p.additional = bedrockInference(req.ExtraArgs)
	return p, nil
}

// bedrockInference maps the common sampling arguments onto the inference
// configuration and forwards the rest as model-specific fields.
func bedrockInference(extra map[string]any) (*types.InferenceConfiguration, document.Interface) {
	if len(extra) == 0 {
		return nil, nil
	}
	inf := &types.InferenceConfiguration{}
	additional := map[string]any{}
	for k, v := range extra {
		n, isNum := number(v)
		switch {
		case k == "max_tokens" && isNum:
			inf.MaxTokens = aws.Int32(int32(n))
		case k == "temperature" && isNum:
			inf.Temperature = aws.Float32(float32(n))
		case k == "top_p" && isNum:
			inf.TopP = aws.Float32(float32(n))
		case k == "stop_sequences":
			inf.StopSequences = stringList(v)
		default:
			additional[k] = v
		}
	}
	if len(additional) == 0 {
		return inf, nil
	}
	return inf, document.NewLazyDocument(additional)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func (r *Bedrock) Invoke(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	p, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	out, err := r.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:                      aws.String(req.Model),
		Messages:                     p.messages,
		System:                       p.system,
		InferenceConfig:              p.inference,
		ToolConfig:                   p.tools,
		AdditionalModelRequestFields: p.additional,
	}, r.credentials(req.APIKey)...)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	msg := &models.Message{Role: models.RoleAssistant}
	var text, reasoning strings.Builder
	if m, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range m.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberReasoningContent:
				if rt, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
					reasoning.WriteString(aws.ToString(rt.Value.Text))
				}
			case *types.ContentBlockMemberToolUse:
				args := "{}"
				if b.Value.Input != nil {
					if data, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
						args = string(data)
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
					ID:       aws.ToString(b.Value.ToolUseId),
					Type:     "function",
					Function: models.FunctionCall{Name: aws.ToString(b.Value.Name), Arguments: args},
				})
			}
		}
	}
	msg.Content = llm.NormalizeThink(reasoning.String(), text.String(), req.RemoveThink)
	return &llm.Completion{Message: msg, Usage: bedrockUsage(out.Usage)}, nil
}

func (r *Bedrock) InvokeStream(ctx context.Context, req *llm.Request) iter.Seq2[*llm.StreamEvent, error] {
	return func(yield func(*llm.StreamEvent, error) bool) {
		p, err := r.prepare(req)
		if err != nil {
			yield(nil, err)
			return
		}
		out, err := r.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId:                      aws.String(req.Model),
			Messages:                     p.messages,
			System:                       p.system,
			InferenceConfig:              p.inference,
			ToolConfig:                   p.tools,
			AdditionalModelRequestFields: p.additional,
		}, r.credentials(req.APIKey)...)
		if err != nil {
			yield(nil, r.wrap(req.Model, err))
			return
		}
		stream := out.GetStream()
		defer stream.Close()

		think := llm.NewThinkStream(req.RemoveThink)
		toolIDs := map[int32]string{}
		var usage *llm.Usage
		for event := range stream.Events() {
			var chunk models.MessageChunk
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					id := aws.ToString(tu.Value.ToolUseId)
					toolIDs[aws.ToInt32(ev.Value.ContentBlockIndex)] = id
					chunk.ToolCalls = []models.ToolCall{{
						ID:       id,
						Type:     "function",
						Function: models.FunctionCall{Name: aws.ToString(tu.Value.Name)},
					}}
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					chunk.Content = think.Push("", d.Value)
				case *types.ContentBlockDeltaMemberReasoningContent:
					if rt, ok := d.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
						chunk.Content = think.Push(rt.Value, "")
					}
				case *types.ContentBlockDeltaMemberToolUse:
					chunk.ToolCalls = []models.ToolCall{{
						ID:       toolIDs[aws.ToInt32(ev.Value.ContentBlockIndex)],
						Type:     "function",
						Function: models.FunctionCall{Arguments: aws.ToString(d.Value.Input)},
					}}
				}
			case *types.ConverseStreamOutputMemberMetadata:
				usage = bedrockUsage(ev.Value.Usage)
			}
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
				continue
			}
			chunk.Role = models.RoleAssistant
			if !yield(&llm.StreamEvent{Chunk: &chunk}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, r.wrap(req.Model, err))
			return
		}
		if tail := think.Flush(); tail != "" {
			if !yield(&llm.StreamEvent{Chunk: &models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: tail}}}, nil) {
				return
			}
		}
		if usage != nil {
			yield(&llm.StreamEvent{Usage: usage}, nil)
		}
	}
}

func (r *Bedrock) Embed(context.Context, *llm.EmbeddingRequest) (*llm.Embeddings, error) {
	return nil, llm.Unsupported(BedrockName, "embedding")
}

func (r *Bedrock) wrap(model string, err error) error {
	rerr := llm.NewRequesterError(BedrockName, model, err)
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		rerr = rerr.WithStatus(respErr.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		rerr.Message = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			rerr.Reason = llm.ReasonRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			rerr.Reason = llm.ReasonAuth
		case "ModelTimeoutException":
			rerr.Reason = llm.ReasonTimeout
		case "ResourceNotFoundException":
			rerr.Reason = llm.ReasonUnknownModel
		case "ValidationException":
			rerr.Reason = llm.ReasonBadRequest
		case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
			rerr.Reason = llm.ReasonServerError
		}
	}
	return rerr
}

func bedrockUsage(u *types.TokenUsage) *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  int(aws.ToInt32(u.InputTokens)),
		OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
	}
}

// BedrockMessages converts a conversation without system messages. Tool
// results ride in user turns; consecutive results share one turn.
func BedrockMessages(msgs []*models.Message) ([]types.Message, error) {
	var out []types.Message
	for _, m := range msgs {
		var content []types.ContentBlock
		role := types.ConversationRoleUser
		switch m.Role {
		case models.RoleTool:
			block := &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Text()}},
			}}
			if n := len(out); n > 0 && out[n-1].Role == types.ConversationRoleUser && isBedrockToolTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			content = append(content, block)
		case models.RoleAssistant, models.RoleCommand, models.RolePlugin:
			role = types.ConversationRoleAssistant
			fallthrough
		default:
			blocks, err := bedrockBlocks(m)
			if err != nil {
				return nil, err
			}
			content = blocks
			for _, tc := range m.ToolCalls {
				content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
					Input:     document.NewLazyDocument(decodeArgs(tc.Function.Arguments)),
				}})
			}
		}
		if len(content) > 0 {
			out = append(out, types.Message{Role: role, Content: content})
		}
	}
	return out, nil
}

func isBedrockToolTurn(m types.Message) bool {
	for _, b := range m.Content {
		if _, ok := b.(*types.ContentBlockMemberToolResult); !ok {
			return false
		}
	}
	return len(m.Content) > 0
}

func bedrockBlocks(m *models.Message) ([]types.ContentBlock, error) {
	var blocks []types.ContentBlock
	for _, el := range m.Elements() {
		switch el.Type {
		case models.ContentText:
			if el.Text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: el.Text})
			}
		case models.ContentImageBase64:
			mediaType, raw, _, err := inlineImage(el)
			if err != nil {
				return nil, &llm.RequesterError{Reason: llm.ReasonBadRequest, Requester: BedrockName, Message: err.Error(), Cause: err}
			}
			format, ok := bedrockImageFormat(mediaType)
			if !ok {
				return nil, llm.Unsupported(BedrockName, mediaType)
			}
			blocks = append(blocks, &types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: raw},
			}})
		default:
			return nil, llm.Unsupported(BedrockName, string(el.Type))
		}
	}
	return blocks, nil
}

func bedrockImageFormat(mediaType string) (types.ImageFormat, bool) {
	switch strings.ToLower(mediaType) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

// BedrockTools converts tool descriptors to a Converse tool configuration.
func BedrockTools(funcs []models.ToolDescriptor) *types.ToolConfiguration {
	if len(funcs) == 0 {
		return nil
	}
	tools := make([]types.Tool, len(funcs))
	for i, fn := range funcs {
		tools[i] = &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(fn.Name),
			Description: aws.String(fn.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(toolSchema(fn))},
		}}
	}
	return &types.ToolConfiguration{Tools: tools}
}

package requesters

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIName is the requester for OpenAI-compatible chat completion APIs.
const OpenAIName = "openai-chat-completions"

// OpenAI speaks the chat completions protocol. Any compatible endpoint can
// be targeted through the provider base URL.
type OpenAI struct {
	provider config.ProviderConfig
	http     *http.Client
}

// NewOpenAI builds an OpenAI-compatible requester.
func NewOpenAI(provider config.ProviderConfig) (llm.Requester, error) {
	return &OpenAI{provider: provider, http: httpClient(provider.RequesterConfig.Headers)}, nil
}

func (r *OpenAI) Name() string { return OpenAIName }

func (r *OpenAI) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if r.provider.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(r.provider.BaseURL, "/")
	}
	cfg.HTTPClient = r.http
	return openai.NewClientWithConfig(cfg)
}

func (r *OpenAI) chatRequest(req *llm.Request, stream bool) (openai.ChatCompletionRequest, error) {
	var out openai.ChatCompletionRequest
	if err := overlayArgs(&out, req.ExtraArgs); err != nil {
		return out, llm.NewRequesterError(OpenAIName, req.Model, err)
	}
	msgs, err := OpenAIMessages(req.Messages)
	if err != nil {
		return out, err
	}
	out.Model = req.Model
	out.Messages = msgs
	out.Tools = OpenAITools(req.Funcs)
	out.Stream = stream
	if stream && out.StreamOptions == nil {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

func (r *OpenAI) Invoke(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	creq, err := r.chatRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := r.client(req.APIKey).CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.RequesterError{Reason: llm.ReasonServerError, Requester: OpenAIName, Model: req.Model, Message: "response has no choices"}
	}
	m := resp.Choices[0].Message
	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: llm.NormalizeThink(m.ReasoningContent, m.Content, req.RemoveThink),
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return &llm.Completion{Message: msg, Usage: openAIUsage(&resp.Usage)}, nil
}

func (r *OpenAI) InvokeStream(ctx context.Context, req *llm.Request) iter.Seq2[*llm.StreamEvent, error] {
	return func(yield func(*llm.StreamEvent, error) bool) {
		creq, err := r.chatRequest(req, true)
		if err != nil {
			yield(nil, err)
			return
		}
		stream, err := r.client(req.APIKey).CreateChatCompletionStream(ctx, creq)
		if err != nil {
			yield(nil, r.wrap(req.Model, err))
			return
		}
		defer stream.Close()

		think := llm.NewThinkStream(req.RemoveThink)
		// Only the first fragment of a tool call carries its id.
		ids := map[int]string{}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(nil, r.wrap(req.Model, err))
				return
			}
			if resp.Usage != nil {
				if !yield(&llm.StreamEvent{Usage: openAIUsage(resp.Usage)}, nil) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			chunk := &models.MessageChunk{Message: models.Message{
				Role:    models.RoleAssistant,
				Content: think.Push(delta.ReasoningContent, delta.Content),
			}}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if tc.ID != "" {
					ids[idx] = tc.ID
				}
				chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCall{
					ID:       ids[idx],
					Type:     "function",
					Function: models.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
				})
			}
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
				continue
			}
			if !yield(&llm.StreamEvent{Chunk: chunk}, nil) {
				return
			}
		}
		if tail := think.Flush(); tail != "" {
			yield(&llm.StreamEvent{Chunk: &models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: tail}}}, nil)
		}
	}
}

func (r *OpenAI) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.Embeddings, error) {
	ereq := openai.EmbeddingRequest{}
	if err := overlayArgs(&ereq, req.ExtraArgs); err != nil {
		return nil, llm.NewRequesterError(OpenAIName, req.Model, err)
	}
	ereq.Input = req.Texts
	ereq.Model = openai.EmbeddingModel(req.Model)
	resp, err := r.client(req.APIKey).CreateEmbeddings(ctx, ereq)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	data := append([]openai.Embedding(nil), resp.Data...)
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := &llm.Embeddings{Vectors: make([][]float32, len(data)), Usage: openAIUsage(&resp.Usage)}
	for i, d := range data {
		out.Vectors[i] = d.Embedding
	}
	return out, nil
}

func (r *OpenAI) wrap(model string, err error) error {
	rerr := llm.NewRequesterError(OpenAIName, model, err)
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		rerr.Message = apiErr.Message
		rerr = rerr.WithStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		rerr = rerr.WithStatus(reqErr.HTTPStatusCode)
	}
	return rerr
}

func openAIUsage(u *openai.Usage) *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

// OpenAIMessages converts messages to the chat completions form. List
// content becomes multi-part content; audio, file and video elements are
// rejected.
func OpenAIMessages(msgs []*models.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		cm := openai.ChatCompletionMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		if m.Role == models.RoleCommand || m.Role == models.RolePlugin {
			cm.Role = string(models.RoleAssistant)
		}
		if m.IsMultipart() {
			for _, el := range m.Parts {
				switch el.Type {
				case models.ContentText:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: el.Text})
				case models.ContentImageURL:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: el.ImageURL, Detail: openai.ImageURLDetailAuto},
					})
				case models.ContentImageBase64:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL(el), Detail: openai.ImageURLDetailAuto},
					})
				default:
					return nil, llm.Unsupported(OpenAIName, string(el.Type))
				}
			}
		} else {
			cm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		out = append(out, cm)
	}
	return out, nil
}

// OpenAITools converts tool descriptors to function tools.
func OpenAITools(funcs []models.ToolDescriptor) []openai.Tool {
	if len(funcs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(funcs))
	for i, fn := range funcs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  toolSchema(fn),
			},
		}
	}
	return out
}

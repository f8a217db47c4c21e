package requesters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/pkg/models"
	"google.golang.org/genai"
)

// GeminiName is the requester for the Gemini generateContent API.
const GeminiName = "gemini-chat"

// Gemini speaks the Gemini API through the genai SDK.
type Gemini struct {
	provider config.ProviderConfig
	http     *http.Client
}

// NewGemini builds a Gemini requester.
func NewGemini(provider config.ProviderConfig) (llm.Requester, error) {
	return &Gemini{provider: provider, http: httpClient(provider.RequesterConfig.Headers)}, nil
}

func (r *Gemini) Name() string { return GeminiName }

func (r *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: r.http,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    r.provider.BaseURL,
			APIVersion: r.provider.RequesterConfig.APIVersion,
		},
	})
	if err != nil {
		return nil, llm.NewRequesterError(GeminiName, "", err)
	}
	return client, nil
}

func (r *Gemini) prepare(req *llm.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	if err := overlayArgs(cfg, req.ExtraArgs); err != nil {
		return nil, nil, llm.NewRequesterError(GeminiName, req.Model, err)
	}
	system, rest := splitSystem(req.Messages)
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	cfg.Tools = GeminiTools(req.Funcs)
	contents, err := GeminiContents(rest)
	if err != nil {
		return nil, nil, err
	}
	return contents, cfg, nil
}

func (r *Gemini) Invoke(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	contents, cfg, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	client, err := r.client(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	reasoning, text, calls := geminiParts(resp)
	return &llm.Completion{
		Message: &models.Message{
			Role:      models.RoleAssistant,
			Content:   llm.NormalizeThink(reasoning, text, req.RemoveThink),
			ToolCalls: calls,
		},
		Usage: geminiUsage(resp.UsageMetadata),
	}, nil
}

func (r *Gemini) InvokeStream(ctx context.Context, req *llm.Request) iter.Seq2[*llm.StreamEvent, error] {
	return func(yield func(*llm.StreamEvent, error) bool) {
		contents, cfg, err := r.prepare(req)
		if err != nil {
			yield(nil, err)
			return
		}
		client, err := r.client(ctx, req.APIKey)
		if err != nil {
			yield(nil, err)
			return
		}
		think := llm.NewThinkStream(req.RemoveThink)
		var usage *llm.Usage
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				yield(nil, r.wrap(req.Model, err))
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = geminiUsage(resp.UsageMetadata)
			}
			reasoning, text, calls := geminiParts(resp)
			chunk := &models.MessageChunk{Message: models.Message{
				Role:      models.RoleAssistant,
				Content:   think.Push(reasoning, text),
				ToolCalls: calls,
			}}
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
				continue
			}
			if !yield(&llm.StreamEvent{Chunk: chunk}, nil) {
				return
			}
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

func (r *Gemini) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.Embeddings, error) {
	cfg := &genai.EmbedContentConfig{}
	if err := overlayArgs(cfg, req.ExtraArgs); err != nil {
		return nil, llm.NewRequesterError(GeminiName, req.Model, err)
	}
	client, err := r.client(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	contents := make([]*genai.Content, len(req.Texts))
	for i, t := range req.Texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, r.wrap(req.Model, err)
	}
	out := &llm.Embeddings{Vectors: make([][]float32, 0, len(resp.Embeddings))}
	for _, e := range resp.Embeddings {
		if e == nil {
			out.Vectors = append(out.Vectors, nil)
			continue
		}
		out.Vectors = append(out.Vectors, e.Values)
	}
	return out, nil
}

func (r *Gemini) wrap(model string, err error) error {
	rerr := llm.NewRequesterError(GeminiName, model, err)
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		rerr.Message = apiErr.Message
		rerr = rerr.WithStatus(apiErr.Code)
	case errors.As(err, &apiErrPtr):
		rerr.Message = apiErrPtr.Message
		rerr = rerr.WithStatus(apiErrPtr.Code)
	}
	return rerr
}

func geminiUsage(u *genai.GenerateContentResponseUsageMetadata) *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  int(u.PromptTokenCount),
		OutputTokens: int(u.CandidatesTokenCount + u.ThoughtsTokenCount),
		TotalTokens:  int(u.TotalTokenCount),
	}
}

// geminiParts flattens the first candidate. Function calls arrive whole and
// get a generated id when the API omits one.
func geminiParts(resp *genai.GenerateContentResponse) (reasoning, text string, calls []models.ToolCall) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", "", nil
	}
	var rb, tb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			calls = append(calls, models.ToolCall{
				ID:       id,
				Type:     "function",
				Function: models.FunctionCall{Name: part.FunctionCall.Name, Arguments: encodeArgs(part.FunctionCall.Args)},
			})
		case part.Thought:
			rb.WriteString(part.Text)
		case part.Text != "":
			tb.WriteString(part.Text)
		}
	}
	return rb.String(), tb.String(), calls
}

// GeminiContents converts a conversation without system messages. Tool
// results are sent as function responses named after the originating call.
func GeminiContents(msgs []*models.Message) ([]*genai.Content, error) {
	names := toolNames(msgs)
	var out []*genai.Content
	for _, m := range msgs {
		content := &genai.Content{Role: genai.RoleUser}
		switch m.Role {
		case models.RoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(m.Text()), &response); err != nil {
				response = map[string]any{"result": m.Text()}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     names[m.ToolCallID],
				Response: response,
			}})
		case models.RoleAssistant, models.RoleCommand, models.RolePlugin:
			content.Role = genai.RoleModel
			fallthrough
		default:
			parts, err := geminiElements(m)
			if err != nil {
				return nil, err
			}
			content.Parts = parts
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: decodeArgs(tc.Function.Arguments),
				}})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

func geminiElements(m *models.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	for _, el := range m.Elements() {
		switch el.Type {
		case models.ContentText:
			if el.Text != "" {
				parts = append(parts, &genai.Part{Text: el.Text})
			}
		case models.ContentImageBase64:
			mediaType, raw, _, err := inlineImage(el)
			if err != nil {
				return nil, &llm.RequesterError{Reason: llm.ReasonBadRequest, Requester: GeminiName, Message: err.Error(), Cause: err}
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: raw, MIMEType: mediaType}})
		case models.ContentImageURL:
			parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: el.ImageURL, MIMEType: "image/jpeg"}})
		case models.ContentAudio:
			raw, err := base64.StdEncoding.DecodeString(el.Audio)
			if err != nil {
				return nil, &llm.RequesterError{Reason: llm.ReasonBadRequest, Requester: GeminiName, Message: "decode audio: " + err.Error(), Cause: err}
			}
			format := el.AudioFormat
			if format == "" {
				format = "wav"
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: raw, MIMEType: "audio/" + format}})
		case models.ContentVideoURL:
			parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: el.VideoURL, MIMEType: "video/mp4"}})
		default:
			return nil, llm.Unsupported(GeminiName, string(el.Type))
		}
	}
	return parts, nil
}

// GeminiTools converts tool descriptors into a single function declaration tool.
func GeminiTools(funcs []models.ToolDescriptor) []*genai.Tool {
	if len(funcs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(funcs))
	for _, fn := range funcs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  GeminiSchema(toolSchema(fn)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// GeminiSchema converts a JSON schema object to genai's schema type.
func GeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	out.Enum = stringList(schema["enum"])
	out.Required = stringList(schema["required"])
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				out.Properties[name] = GeminiSchema(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = GeminiSchema(items)
	}
	return out
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

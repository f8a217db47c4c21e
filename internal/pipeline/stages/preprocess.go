package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/runner"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// preProcessor resolves the session and conversation and assembles what the
// runner needs: prompt, history, user message, tools and variables.
type preProcessor struct {
	deps   Deps
	logger *slog.Logger
}

func (s *preProcessor) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	cfg := pipelineConfig(q)
	session := s.deps.Sessions.Get(q.BotUUID, q.LauncherType, q.LauncherID)
	session.Touch()
	q.Session = session

	conv, err := s.deps.Sessions.Conversation(ctx, session)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil || conv.PipelineUUID != q.PipelineUUID {
		conv = session.NewConversation(buildPrompt(cfg.AI.LocalAgent.Prompt), q.PipelineUUID)
	}
	q.Prompt = conv.Prompt.Clone()
	if q.Prompt == nil {
		q.Prompt = &models.Prompt{Name: "default"}
	}
	q.Messages = conv.History()

	var model *llm.RuntimeLLMModel
	if cfg.AI.Runner.Runner == runner.LocalAgentName || cfg.AI.Runner.Runner == "" {
		q.UseLLMModelUUID = cfg.AI.LocalAgent.Model
		if q.UseLLMModelUUID != "" && s.deps.Models != nil {
			if model, err = s.deps.Models.GetLLMModel(q.UseLLMModelUUID); err != nil {
				s.logger.WarnContext(ctx, "pipeline model unavailable", "model", q.UseLLMModelUUID, "error", err)
				model = nil
			}
		}
	}

	q.UserMessage = userMessage(q.Chain, model != nil && model.HasAbility(llm.AbilityVision))

	if model != nil && model.HasAbility(llm.AbilityFuncCall) && s.deps.Tools != nil {
		funcs, err := s.deps.Tools.ListTools(ctx, binding(q))
		if err != nil {
			s.logger.WarnContext(ctx, "tool listing failed", "error", err)
		}
		q.UseFuncs = funcs
	}

	senderName := ""
	if q.Event != nil {
		senderName = q.Event.Sender.Name
	}
	q.SetVar("session_id", q.SessionID())
	q.SetVar("conversation_id", conv.UUID)
	q.SetVar("msg_create_time", q.CreatedAt.Unix())
	q.SetVar("sender_name", senderName)
	q.SetVar("user_message_text", q.UserMessage.Text())

	ec, err := s.deps.Plugins.EmitEvent(ctx, &pluginsdk.Event{
		Name:         pluginsdk.PromptPreProcessing,
		QueryID:      q.ID,
		BotUUID:      q.BotUUID,
		LauncherType: q.LauncherType,
		LauncherID:   q.LauncherID,
		SenderID:     q.SenderID,
		SessionID:    q.SessionID(),
		Chain:        q.Chain,
		Text:         q.Chain.Text(),
		Prompt:       q.Prompt.Messages,
		History:      q.Messages,
	}, q.StringsVar(query.VarBoundPlugins))
	if err != nil {
		s.logger.WarnContext(ctx, "prompt pre-processing event failed", "error", err)
	} else if ec != nil {
		q.Prompt.Messages = ec.DefaultPrompt
		q.Messages = ec.PromptMessages
	}
	return single(pipeline.ContinueWith(q))
}

func buildPrompt(msgs []config.PromptMessage) *models.Prompt {
	p := &models.Prompt{Name: "default"}
	for _, m := range msgs {
		role := models.Role(strings.ToLower(m.Role))
		if role == "" {
			role = models.RoleSystem
		}
		p.Messages = append(p.Messages, &models.Message{Role: role, Content: m.Content})
	}
	return p
}

// userMessage converts an inbound chain into the user message. Images are
// only kept for models with vision. A single text part collapses to the
// plain string form.
func userMessage(chain models.MessageChain, vision bool) *models.Message {
	var parts []models.ContentElement
	for _, c := range chain {
		switch v := c.(type) {
		case models.Plain:
			if v.Text != "" {
				parts = append(parts, models.TextElement(v.Text))
			}
		case models.Image:
			if !vision {
				continue
			}
			switch {
			case v.Base64 != "":
				parts = append(parts, models.ContentElement{Type: models.ContentImageBase64, ImageBase64: v.Base64})
			case v.URL != "":
				parts = append(parts, models.ContentElement{Type: models.ContentImageURL, ImageURL: v.URL})
			}
		case models.File:
			if v.URL != "" {
				parts = append(parts, models.ContentElement{Type: models.ContentFileURL, FileURL: v.URL, FileName: v.Name})
			}
		case models.Quote:
			if text := v.Origin.Text(); text != "" {
				parts = append(parts, models.TextElement("> "+text+"\n"))
			}
		}
	}
	msg := &models.Message{Role: models.RoleUser}
	if len(parts) == 1 && parts[0].Type == models.ContentText {
		msg.Content = parts[0].Text
		return msg
	}
	if len(parts) == 0 {
		return msg
	}
	msg.Parts = parts
	return msg
}

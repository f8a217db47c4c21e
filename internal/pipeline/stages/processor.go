package stages

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// hiddenErrorNotice replaces error details when output.misc.hide-exception is set.
const hiddenErrorNotice = "请求失败"

// messageProcessor routes commands to plugins and everything else through
// the pipeline's runner.
type messageProcessor struct {
	deps   Deps
	logger *slog.Logger
}

func (s *messageProcessor) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	text := strings.TrimSpace(q.Chain.Text())
	if s.deps.Command.IsEnabled() {
		for _, prefix := range s.deps.Command.Prefix {
			if prefix != "" && strings.HasPrefix(text, prefix) {
				return s.command(ctx, q, strings.TrimPrefix(text, prefix))
			}
		}
	}
	return s.chat(ctx, q)
}

func (s *messageProcessor) command(ctx context.Context, q *query.Query, body string) (pipeline.Output, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "empty command"})
	}
	res, err := s.deps.Plugins.ExecuteCommand(ctx, &pluginsdk.CommandContext{
		QueryID:   q.ID,
		SessionID: q.SessionID(),
		SenderID:  q.SenderID,
		Command:   fields[0],
		Params:    fields[1:],
		FullText:  body,
		Chain:     q.Chain,
	}, q.StringsVar(query.VarBoundPlugins))
	if errors.Is(err, plugins.ErrCommandNotFound) {
		return single(&pipeline.Result{
			Type:       pipeline.Interrupt,
			NewQuery:   q,
			UserNotice: models.NewTextChain("Unknown command: " + fields[0]),
		})
	}
	if err != nil {
		return single(s.failure(q, fmt.Errorf("command %s: %w", fields[0], err)))
	}
	if res == nil || (res.Text == "" && len(res.Chain) == 0) {
		return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "command produced no reply"})
	}
	chain := res.Chain
	if len(chain) == 0 {
		chain = models.NewTextChain(res.Text)
	}
	q.AppendResponse(chainMessage(models.RoleCommand, chain))
	return single(pipeline.ContinueWith(q))
}

func (s *messageProcessor) chat(ctx context.Context, q *query.Query) (pipeline.Output, error) {
	event := pluginsdk.PersonNormalMessageReceived
	if q.IsGroup() {
		event = pluginsdk.GroupNormalMessageReceived
	}
	ec, err := s.deps.Plugins.EmitEvent(ctx, &pluginsdk.Event{
		Name:         event,
		QueryID:      q.ID,
		BotUUID:      q.BotUUID,
		LauncherType: q.LauncherType,
		LauncherID:   q.LauncherID,
		SenderID:     q.SenderID,
		SessionID:    q.SessionID(),
		Chain:        q.Chain,
		Text:         q.UserMessage.Text(),
	}, q.StringsVar(query.VarBoundPlugins))
	if err != nil {
		s.logger.WarnContext(ctx, "plugin event failed", "event", event, "error", err)
	} else if ec != nil {
		if ec.IsPreventedDefault() {
			if len(ec.ReplyMessageChain) == 0 {
				return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "default handling prevented by plugin"})
			}
			q.AppendResponse(chainMessage(models.RolePlugin, ec.ReplyMessageChain))
			return single(pipeline.ContinueWith(q))
		}
		if len(ec.UserMessageAlter) > 0 {
			q.UserMessage = chainMessage(models.RoleUser, ec.UserMessageAlter)
		}
	}

	name := pipelineConfig(q).AI.Runner.Runner
	r, err := s.deps.Runners.New(name, s.deps.RunnerDeps)
	if err != nil {
		return single(s.failure(q, err))
	}
	return pipeline.Stream(s.drive(ctx, q, r.Run(ctx, q))), nil
}

// drive feeds runner output into q. Chunks of an open stream replace one
// another; everything else is appended. The conversation is updated once
// the runner completes.
func (s *messageProcessor) drive(ctx context.Context, q *query.Query, replies iter.Seq2[models.Response, error]) iter.Seq2[*pipeline.Result, error] {
	return func(yield func(*pipeline.Result, error) bool) {
		var produced []*models.Message
		for resp, err := range replies {
			if err != nil {
				yield(s.failure(q, err), nil)
				return
			}
			switch v := resp.(type) {
			case *models.MessageChunk:
				if q.HasPendingStream() {
					q.ReplaceLastResponse(v)
				} else {
					q.AppendResponse(v)
				}
				if v.IsFinal {
					msg := v.Message.Clone()
					msg.ToolCalls = nil
					produced = append(produced, msg)
				}
			case *models.Message:
				q.AppendResponse(v)
				produced = append(produced, v)
			default:
				continue
			}
			if !yield(pipeline.ContinueWith(q), nil) {
				return
			}
		}
		s.remember(ctx, q, produced)
	}
}

func (s *messageProcessor) remember(ctx context.Context, q *query.Query, produced []*models.Message) {
	if q.Session == nil || q.UserMessage == nil {
		return
	}
	conv := q.Session.Conversation()
	if conv == nil {
		return
	}
	conv.Append(append([]*models.Message{q.UserMessage}, produced...)...)
	if err := s.deps.Sessions.Persist(ctx, q.Session); err != nil {
		s.logger.WarnContext(ctx, "persist conversation failed", "error", err)
	}
}

func (s *messageProcessor) failure(q *query.Query, err error) *pipeline.Result {
	notice := err.Error()
	if pipelineConfig(q).Output.Misc.HideException {
		notice = hiddenErrorNotice
	}
	return &pipeline.Result{
		Type:        pipeline.Interrupt,
		NewQuery:    q,
		UserNotice:  models.NewTextChain(notice),
		ErrorNotice: err.Error(),
	}
}

// chainMessage converts an outbound chain into a message. Text and images
// survive; other components are dropped.
func chainMessage(role models.Role, chain models.MessageChain) *models.Message {
	var parts []models.ContentElement
	for _, c := range chain {
		switch v := c.(type) {
		case models.Plain:
			parts = append(parts, models.TextElement(v.Text))
		case models.Image:
			switch {
			case v.Base64 != "":
				parts = append(parts, models.ContentElement{Type: models.ContentImageBase64, ImageBase64: v.Base64})
			case v.URL != "":
				parts = append(parts, models.ContentElement{Type: models.ContentImageURL, ImageURL: v.URL})
			}
		}
	}
	if len(parts) == 1 && parts[0].Type == models.ContentText {
		return &models.Message{Role: role, Content: parts[0].Text}
	}
	if len(parts) == 0 {
		return &models.Message{Role: role, Content: chain.Text()}
	}
	return &models.Message{Role: role, Parts: parts}
}

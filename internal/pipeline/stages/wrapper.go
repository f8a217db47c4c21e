package stages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// varOpenChain marks that the last wrapped chain belongs to an unfinished stream.
const varOpenChain = "_resp_chain_open"

// responseWrapper turns the latest response into an outbound chain.
type responseWrapper struct {
	plugins plugins.Connector
	logger  *slog.Logger
}

func (s *responseWrapper) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	resp := q.LastResponse()
	if resp == nil {
		return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "no response to wrap"})
	}
	msg := resp.Base()
	chunk, isChunk := resp.(*models.MessageChunk)
	final := !isChunk || chunk.IsFinal
	misc := pipelineConfig(q).Output.Misc

	var chain models.MessageChain
	switch msg.Role {
	case models.RoleCommand, models.RolePlugin:
		chain = messageChain(msg)
	case models.RoleAssistant:
		chain = messageChain(msg)
		if misc.TrackFunctionCalls {
			for _, call := range msg.ToolCalls {
				chain = append(chain, models.Plain{Text: "\n[call " + call.Function.Name + "] " + call.Function.Arguments})
			}
		}
		if strings.TrimSpace(chain.Text()) == "" && !chain.Has(models.ComponentImage) && !(isChunk && chunk.IsFinal) {
			return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "empty assistant response"})
		}
		if final {
			ec, err := s.plugins.EmitEvent(ctx, &pluginsdk.Event{
				Name:         pluginsdk.NormalMessageResponded,
				QueryID:      q.ID,
				BotUUID:      q.BotUUID,
				LauncherType: q.LauncherType,
				LauncherID:   q.LauncherID,
				SenderID:     q.SenderID,
				SessionID:    q.SessionID(),
				Chain:        q.Chain,
				Text:         q.UserMessage.Text(),
				ResponseText: chain.Text(),
				FuncsCalled:  funcsCalled(q.RespMessages),
			}, q.StringsVar(query.VarBoundPlugins))
			if err != nil {
				s.logger.WarnContext(ctx, "plugin event failed", "event", pluginsdk.NormalMessageResponded, "error", err)
			} else if ec != nil {
				if ec.IsPreventedDefault() {
					return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "response suppressed by plugin"})
				}
				if len(ec.ReplyMessageChain) > 0 {
					chain = ec.ReplyMessageChain
				}
			}
		}
	default:
		return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "response role " + string(msg.Role) + " is not sent"})
	}

	if isChunk && q.BoolVar(varOpenChain) && len(q.RespMessageChain) > 0 {
		q.RespMessageChain[len(q.RespMessageChain)-1] = chain
	} else {
		q.RespMessageChain = append(q.RespMessageChain, chain)
	}
	q.SetVar(varOpenChain, isChunk && !chunk.IsFinal)
	return single(pipeline.ContinueWith(q))
}

// messageChain renders message content as chain components.
func messageChain(msg *models.Message) models.MessageChain {
	var chain models.MessageChain
	for _, p := range msg.Elements() {
		switch p.Type {
		case models.ContentText:
			if p.Text != "" {
				chain = append(chain, models.Plain{Text: p.Text})
			}
		case models.ContentImageURL:
			chain = append(chain, models.Image{URL: p.ImageURL})
		case models.ContentImageBase64:
			chain = append(chain, models.Image{Base64: p.ImageBase64})
		}
	}
	return chain
}

func funcsCalled(resps []models.Response) []string {
	var names []string
	for _, r := range resps {
		for _, call := range r.Base().ToolCalls {
			names = append(names, call.Function.Name)
		}
	}
	return names
}

package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Notices sent when the ban-word filter blocks a message.
const (
	blockedInputNotice  = "Your message contains content that cannot be processed. Please rephrase it."
	blockedOutputNotice = "The reply contained content that cannot be sent."
)

// contentFilter runs on the inbound message (pre) or on the latest
// response (post). Ignore rules only apply to inbound messages.
type contentFilter struct {
	inbound bool
	cfg     config.ContentFilter
	ignore  config.IgnoreRules

	ignorePatterns []*regexp.Regexp
	banWords       *regexp.Regexp
}

func newContentFilter(def *config.PipelineDefinition, inbound bool) (*contentFilter, error) {
	f := &contentFilter{
		inbound: inbound,
		cfg:     def.Config.Safety.ContentFilter,
		ignore:  def.Config.Trigger.IgnoreRules,
	}
	for _, p := range f.ignore.Regexp {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ignore rule %q: %w", p, err)
		}
		f.ignorePatterns = append(f.ignorePatterns, re)
	}
	var words []string
	for _, w := range f.cfg.BanWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, regexp.QuoteMeta(w))
		}
	}
	if len(words) > 0 {
		f.banWords = regexp.MustCompile("(?i)" + strings.Join(words, "|"))
	}
	return f, nil
}

func (f *contentFilter) applies() bool {
	switch f.cfg.Scope {
	case "income-msg":
		return f.inbound
	case "output-msg":
		return !f.inbound
	default:
		return true
	}
}

func (f *contentFilter) Process(_ context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	if f.inbound {
		return f.processInbound(q)
	}
	return f.processOutbound(q)
}

func (f *contentFilter) processInbound(q *query.Query) (pipeline.Output, error) {
	text := strings.TrimSpace(q.Chain.Text())
	for _, prefix := range f.ignore.Prefix {
		if prefix != "" && strings.HasPrefix(text, prefix) {
			return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "message ignored by prefix rule"})
		}
	}
	for _, re := range f.ignorePatterns {
		if re.MatchString(text) {
			return single(&pipeline.Result{Type: pipeline.Interrupt, NewQuery: q, DebugNotice: "message ignored by regexp rule"})
		}
	}

	if !f.checking() || !f.banWords.MatchString(text) {
		return single(pipeline.ContinueWith(q))
	}
	if f.cfg.Action == "block" {
		return single(&pipeline.Result{
			Type:          pipeline.Interrupt,
			NewQuery:      q,
			UserNotice:    models.NewTextChain(blockedInputNotice),
			ConsoleNotice: "inbound message blocked by ban words",
		})
	}
	q.Chain = f.maskChain(q.Chain)
	return single(&pipeline.Result{Type: pipeline.Continue, NewQuery: q, DebugNotice: "inbound message masked"})
}

func (f *contentFilter) processOutbound(q *query.Query) (pipeline.Output, error) {
	resp := q.LastResponse()
	if resp == nil || !f.checking() {
		return single(pipeline.ContinueWith(q))
	}
	msg := resp.Base()
	if msg.Role != models.RoleAssistant || !f.banWords.MatchString(msg.Text()) {
		return single(pipeline.ContinueWith(q))
	}
	if f.cfg.Action == "block" {
		return single(&pipeline.Result{
			Type:          pipeline.Interrupt,
			NewQuery:      q,
			UserNotice:    models.NewTextChain(blockedOutputNotice),
			ConsoleNotice: "response blocked by ban words",
		})
	}
	if msg.IsMultipart() {
		for i, p := range msg.Parts {
			if p.Type == models.ContentText {
				msg.Parts[i].Text = f.mask(p.Text)
			}
		}
	} else {
		msg.Content = f.mask(msg.Content)
	}
	return single(&pipeline.Result{Type: pipeline.Continue, NewQuery: q, DebugNotice: "response masked"})
}

func (f *contentFilter) checking() bool {
	return f.cfg.CheckSensitiveWords && f.banWords != nil && f.applies()
}

func (f *contentFilter) mask(s string) string {
	mask := f.cfg.Mask
	if mask == "" {
		mask = "*"
	}
	return f.banWords.ReplaceAllStringFunc(s, func(w string) string {
		return strings.Repeat(mask, utf8.RuneCountInString(w))
	})
}

func (f *contentFilter) maskChain(chain models.MessageChain) models.MessageChain {
	out := chain.Clone()
	for i, c := range out {
		if p, ok := c.(models.Plain); ok {
			p.Text = f.mask(p.Text)
			out[i] = p
		}
	}
	return out
}

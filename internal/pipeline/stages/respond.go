package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// respondRuleCheck decides whether a group message is addressed to the bot.
// Private messages always pass.
type respondRuleCheck struct {
	rules    config.GroupRespondRules
	patterns map[string]*regexp.Regexp
	random   func() float64
}

func newRespondRuleCheck(def *config.PipelineDefinition, random func() float64) (*respondRuleCheck, error) {
	rules := def.Config.Trigger.GroupRespondRules
	s := &respondRuleCheck{rules: rules, patterns: make(map[string]*regexp.Regexp), random: random}
	all := append([]string(nil), rules.Regexp...)
	for _, g := range rules.Groups {
		all = append(all, g.Regexp...)
	}
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("group respond rule %q: %w", p, err)
		}
		s.patterns[p] = re
	}
	return s, nil
}

func (s *respondRuleCheck) Process(_ context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	if !q.IsGroup() {
		return single(pipeline.ContinueWith(q))
	}
	rules := s.rules.For(q.LauncherID)

	if rules.At {
		if bot := platform.BotAccountID(q.Adapter); bot != "" && mentions(q.Chain, bot) {
			q.Chain = removeMention(q.Chain, bot)
			return single(pipeline.ContinueWith(q))
		}
	}

	text := strings.TrimSpace(q.Chain.Text())
	for _, prefix := range rules.Prefix {
		if prefix != "" && strings.HasPrefix(text, prefix) {
			q.Chain = stripPrefix(q.Chain, prefix)
			return single(pipeline.ContinueWith(q))
		}
	}
	for _, p := range rules.Regexp {
		if re := s.patterns[p]; re != nil && re.MatchString(text) {
			return single(pipeline.ContinueWith(q))
		}
	}
	if rules.Random > 0 && s.random() < rules.Random {
		return single(pipeline.ContinueWith(q))
	}
	return single(&pipeline.Result{
		Type:        pipeline.Interrupt,
		NewQuery:    q,
		DebugNotice: "group message not addressed to the bot",
	})
}

func mentions(chain models.MessageChain, target string) bool {
	for _, c := range chain {
		if at, ok := c.(models.At); ok && at.Target == target {
			return true
		}
	}
	return false
}

// removeMention drops the bot mention and the whitespace that followed it.
func removeMention(chain models.MessageChain, target string) models.MessageChain {
	out := make(models.MessageChain, 0, len(chain))
	trimNext := false
	for _, c := range chain {
		if at, ok := c.(models.At); ok && at.Target == target {
			trimNext = true
			continue
		}
		if p, ok := c.(models.Plain); ok && trimNext {
			p.Text = strings.TrimLeft(p.Text, " \t")
			trimNext = false
			if p.Text == "" {
				continue
			}
			c = p
		}
		out = append(out, c)
	}
	return out
}

// stripPrefix removes prefix from the first non-blank text component.
func stripPrefix(chain models.MessageChain, prefix string) models.MessageChain {
	out := chain.Clone()
	for i, c := range out {
		p, ok := c.(models.Plain)
		if !ok || strings.TrimSpace(p.Text) == "" {
			continue
		}
		p.Text = strings.TrimPrefix(strings.TrimLeft(p.Text, " \t"), prefix)
		out[i] = p
		break
	}
	return out
}

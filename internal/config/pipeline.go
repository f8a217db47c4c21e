package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultStages is the canonical stage order of a pipeline.
var DefaultStages = []string{
	"GroupRespondRuleCheck",
	"BanSessionCheck",
	"PreContentFilter",
	"PreProcessor",
	"ConversationMessageTruncator",
	"RequireRateLimitOccupancy",
	"MessageProcessor",
	"ReleaseRateLimitOccupancy",
	"PostContentFilter",
	"ResponseWrapper",
	"LongTextProcess",
	"SendResponseBack",
}

// PipelineDefinition is one pipeline as stored in the config file or pipelines_dir.
//
// BoundPlugins and BoundMCPServers distinguish nil (everything visible) from an
// empty list (nothing visible).
type PipelineDefinition struct {
	UUID            string         `yaml:"uuid"`
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Stages          []string       `yaml:"stages"`
	BoundPlugins    []string       `yaml:"bound_plugins"`
	BoundMCPServers []string       `yaml:"bound_mcp_servers"`
	Config          PipelineConfig `yaml:"config"`
}

// StageNames returns the configured stage order or the canonical one.
func (p PipelineDefinition) StageNames() []string {
	if len(p.Stages) > 0 {
		return p.Stages
	}
	return DefaultStages
}

// Validate checks identity and the decision table.
func (p PipelineDefinition) Validate() error {
	if strings.TrimSpace(p.UUID) == "" {
		return errors.New("uuid is required")
	}
	return p.Config.Validate()
}

// PipelineConfig is the per-pipeline decision table read by stages.
type PipelineConfig struct {
	Trigger TriggerConfig `yaml:"trigger"`
	Safety  SafetyConfig  `yaml:"safety"`
	AI      AIConfig      `yaml:"ai"`
	Output  OutputConfig  `yaml:"output"`
}

type TriggerConfig struct {
	GroupRespondRules  GroupRespondRules  `yaml:"group-respond-rules"`
	AccessControl      AccessControl      `yaml:"access-control"`
	IgnoreRules        IgnoreRules        `yaml:"ignore-rules"`
	MessageAggregation MessageAggregation `yaml:"message-aggregation"`
}

// GroupRespondRules decides which group messages the bot answers.
// Groups maps a group id to rules replacing the defaults for that group.
type GroupRespondRules struct {
	At     bool                         `yaml:"at"`
	Prefix []string                     `yaml:"prefix"`
	Regexp []string                     `yaml:"regexp"`
	Random float64                      `yaml:"random"`
	Groups map[string]GroupRespondRules `yaml:"groups"`
}

// For returns the rules in effect for a group.
func (r GroupRespondRules) For(groupID string) GroupRespondRules {
	if override, ok := r.Groups[groupID]; ok {
		return override
	}
	return r
}

type AccessControl struct {
	Mode      string   `yaml:"mode"`
	Blacklist []string `yaml:"blacklist"`
	Whitelist []string `yaml:"whitelist"`
}

type IgnoreRules struct {
	Prefix []string `yaml:"prefix"`
	Regexp []string `yaml:"regexp"`
}

// MessageAggregation configures the per-session debounce.
type MessageAggregation struct {
	Enabled bool `yaml:"enabled"`
	// Delay is in seconds; nil selects DefaultAggregationDelay.
	Delay *float64 `yaml:"delay"`
}

const (
	DefaultAggregationDelay = 1.5
	MinAggregationDelay     = 1.0
	MaxAggregationDelay     = 10.0
)

// EffectiveDelay returns the debounce delay in seconds, defaulted and clamped.
func (m MessageAggregation) EffectiveDelay() float64 {
	d := DefaultAggregationDelay
	if m.Delay != nil {
		d = *m.Delay
	}
	if d < MinAggregationDelay {
		return MinAggregationDelay
	}
	if d > MaxAggregationDelay {
		return MaxAggregationDelay
	}
	return d
}

type SafetyConfig struct {
	ContentFilter ContentFilter `yaml:"content-filter"`
	RateLimit     RateLimit     `yaml:"rate-limit"`
}

// ContentFilter configures ban-word filtering. Scope is all, income-msg or output-msg.
// Action is "block" (drop the message) or "mask" (replace the words).
type ContentFilter struct {
	Scope               string   `yaml:"scope"`
	CheckSensitiveWords bool     `yaml:"check-sensitive-words"`
	BanWords            []string `yaml:"ban-words"`
	Action              string   `yaml:"action"`
	Mask                string   `yaml:"mask"`
}

// RateLimit configures the per-session fixed window limiter.
type RateLimit struct {
	WindowLength int    `yaml:"window-length"`
	Limitation   int    `yaml:"limitation"`
	Strategy     string `yaml:"strategy"`
}

// AIConfig selects the runner. Unknown keys are kept in Runners so that
// third-party runners can carry their own sections.
type AIConfig struct {
	Runner     RunnerSelect              `yaml:"runner"`
	LocalAgent LocalAgentConfig          `yaml:"local-agent"`
	Runners    map[string]map[string]any `yaml:",inline"`
}

type RunnerSelect struct {
	Runner string `yaml:"runner"`
}

type LocalAgentConfig struct {
	Model          string          `yaml:"model"`
	MaxRound       int             `yaml:"max-round"`
	Prompt         []PromptMessage `yaml:"prompt"`
	KnowledgeBases []string        `yaml:"knowledge-bases"`
	KnowledgeBase  string          `yaml:"knowledge-base"`
}

// KnowledgeBaseIDs prefers the list form and falls back to the legacy scalar.
// "" and "__none__" mean no knowledge base.
func (c LocalAgentConfig) KnowledgeBaseIDs() []string {
	if len(c.KnowledgeBases) > 0 {
		out := make([]string, 0, len(c.KnowledgeBases))
		for _, id := range c.KnowledgeBases {
			if id != "" && id != "__none__" {
				out = append(out, id)
			}
		}
		return out
	}
	if c.KnowledgeBase == "" || c.KnowledgeBase == "__none__" {
		return nil
	}
	return []string{c.KnowledgeBase}
}

type PromptMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

type OutputConfig struct {
	LongText   LongTextConfig   `yaml:"long-text-processing"`
	ForceDelay ForceDelayConfig `yaml:"force-delay"`
	Misc       MiscConfig       `yaml:"misc"`
}

// LongTextConfig configures LongTextProcess. Strategy is none, forward or image.
type LongTextConfig struct {
	Threshold int    `yaml:"threshold"`
	Strategy  string `yaml:"strategy"`
	FontPath  string `yaml:"font-path"`
}

// ForceDelayConfig adds a random delay in seconds before non-streamed replies.
type ForceDelayConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type MiscConfig struct {
	AtSender           bool `yaml:"at-sender"`
	QuoteOrigin        bool `yaml:"quote-origin"`
	HideException      bool `yaml:"hide-exception"`
	RemoveThink        bool `yaml:"remove-think"`
	TrackFunctionCalls bool `yaml:"track-function-calls"`
}

// ApplyDefaults fills zero values of the decision table.
func (c *PipelineConfig) ApplyDefaults() {
	if c.Trigger.AccessControl.Mode == "" {
		c.Trigger.AccessControl.Mode = "blacklist"
	}
	if c.Safety.ContentFilter.Scope == "" {
		c.Safety.ContentFilter.Scope = "all"
	}
	if c.Safety.ContentFilter.Action == "" {
		c.Safety.ContentFilter.Action = "mask"
	}
	if c.Safety.ContentFilter.Mask == "" {
		c.Safety.ContentFilter.Mask = "*"
	}
	if c.Safety.RateLimit.WindowLength <= 0 {
		c.Safety.RateLimit.WindowLength = 60
	}
	if c.Safety.RateLimit.Strategy == "" {
		c.Safety.RateLimit.Strategy = "drop"
	}
	if c.AI.Runner.Runner == "" {
		c.AI.Runner.Runner = "local-agent"
	}
	if c.AI.LocalAgent.MaxRound <= 0 {
		c.AI.LocalAgent.MaxRound = 10
	}
	if c.Output.LongText.Strategy == "" {
		c.Output.LongText.Strategy = "none"
	}
	if c.Output.LongText.Threshold <= 0 {
		c.Output.LongText.Threshold = 1000
	}
}

// Validate checks enumerations and regular expressions.
func (c PipelineConfig) Validate() error {
	var errs []error
	switch c.Trigger.AccessControl.Mode {
	case "", "blacklist", "whitelist":
	default:
		errs = append(errs, fmt.Errorf("trigger.access-control.mode must be blacklist or whitelist"))
	}
	patterns := append(append([]string{}, c.Trigger.GroupRespondRules.Regexp...), c.Trigger.IgnoreRules.Regexp...)
	for _, rules := range c.Trigger.GroupRespondRules.Groups {
		patterns = append(patterns, rules.Regexp...)
	}
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid regexp %q: %w", p, err))
		}
	}
	switch c.Safety.ContentFilter.Scope {
	case "", "all", "income-msg", "output-msg":
	default:
		errs = append(errs, fmt.Errorf("safety.content-filter.scope must be all, income-msg or output-msg"))
	}
	switch c.Safety.RateLimit.Strategy {
	case "", "drop", "wait":
	default:
		errs = append(errs, fmt.Errorf("safety.rate-limit.strategy must be drop or wait"))
	}
	switch c.Output.LongText.Strategy {
	case "", "none", "forward", "image":
	default:
		errs = append(errs, fmt.Errorf("output.long-text-processing.strategy must be none, forward or image"))
	}
	if c.Output.ForceDelay.Max < c.Output.ForceDelay.Min {
		errs = append(errs, fmt.Errorf("output.force-delay.max must not be below min"))
	}
	if r := c.Trigger.GroupRespondRules.Random; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("trigger.group-respond-rules.random must be within [0,1]"))
	}
	return errors.Join(errs...)
}

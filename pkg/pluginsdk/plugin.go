package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/invopop/jsonschema"
)

// Plugin is implemented by in-process plugins.
type Plugin interface {
	Manifest() *Manifest
	// Setup registers the plugin's handlers, tools, commands and retrievers.
	Setup(api API) error
}

// API is handed to a plugin during Setup.
type API interface {
	On(event EventName, handler EventHandler)
	RegisterTool(tool Tool) error
	RegisterCommand(cmd Command) error
	RegisterRetriever(name string, retriever Retriever) error
	Config() map[string]any
	Logger() *slog.Logger
}

// EventHandler handles one event. Returning an error is logged and does not
// stop other handlers.
type EventHandler func(ctx context.Context, ec *EventContext) error

// ToolCall is the invocation context of a plugin tool.
type ToolCall struct {
	Params    map[string]any
	SessionID string
	QueryID   int64
}

// ToolHandler executes a tool. The result is JSON-encoded into the tool message.
type ToolHandler func(ctx context.Context, call ToolCall) (any, error)

// Tool is a function exposed to models.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters map[string]any
	Handler    ToolHandler
}

// NewTool builds a tool whose parameter schema is reflected from T. The
// handler receives the arguments decoded into T.
func NewTool[T any](name, description string, fn func(ctx context.Context, call ToolCall, args T) (any, error)) (Tool, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return Tool{}, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return Tool{}, fmt.Errorf("decode schema for %s: %w", name, err)
	}

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler: func(ctx context.Context, call ToolCall) (any, error) {
			var args T
			payload, err := json.Marshal(call.Params)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
			}
			return fn(ctx, call, args)
		},
	}, nil
}

// CommandContext is a parsed command message. For "!weather paris now",
// Command is "weather" and Params is ["paris", "now"].
type CommandContext struct {
	QueryID   int64
	SessionID string
	SenderID  string
	Command   string
	Params    []string
	FullText  string
	Chain     models.MessageChain
}

// CommandResult is the reply of a command.
type CommandResult struct {
	Text  string
	Chain models.MessageChain
}

// CommandHandler executes a command.
type CommandHandler func(ctx context.Context, cmd *CommandContext) (*CommandResult, error)

// Command is a prefix-triggered action.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Handler     CommandHandler
}

// Retriever answers knowledge queries for external knowledge bases.
type Retriever func(ctx context.Context, instance, query string) ([]models.RetrievalResultEntry, error)

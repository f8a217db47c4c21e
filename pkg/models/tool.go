package models

// ToolSourceKind identifies which loader owns a tool.
type ToolSourceKind string

const (
	ToolSourcePlugin ToolSourceKind = "plugin"
	ToolSourceMCP    ToolSourceKind = "mcp"
)

// ToolDescriptor describes a tool that can be offered to a model.
// Parameters is a JSON schema object.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Source      ToolSourceKind `json:"source"`
	// Owner is the plugin "author/name" or the MCP server UUID.
	Owner string `json:"owner"`
}

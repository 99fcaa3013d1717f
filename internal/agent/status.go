package agent

import (
	"encoding/json"
	"fmt"
)

// StatusKind discriminates the agent status union.
type StatusKind string

const (
	StatusPending   StatusKind = "pending"
	StatusRunning   StatusKind = "running"
	StatusCompleted StatusKind = "completed"
	StatusFailed    StatusKind = "failed"
	StatusShutdown  StatusKind = "shutdown"
)

// ToolRecord summarises one tool call made by a worker.
type ToolRecord struct {
	Name          string `json:"name"`
	ArgsPreview   string `json:"argsPreview"`
	ResultPreview string `json:"resultPreview,omitempty"`
	IsError       bool   `json:"isError,omitempty"`
}

// Status is the reduced view of a worker's event stream.
type Status struct {
	Kind      StatusKind   `json:"kind"`
	Turns     int          `json:"turns"`
	ToolCalls int          `json:"toolCalls"`
	WorkedMs  int64        `json:"workedMs"`
	Tools     []ToolRecord `json:"tools,omitempty"`

	// Terminal payloads.
	Message          string                 `json:"message,omitempty"`          // completed
	StructuredOutput map[string]interface{} `json:"structuredOutput,omitempty"` // completed
	Reason           string                 `json:"reason,omitempty"`           // failed
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s.Kind {
	case StatusCompleted, StatusFailed, StatusShutdown:
		return true
	}
	return false
}

const previewMax = 100

// preview truncates a string for a ToolRecord field.
func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewMax {
		return s
	}
	return string(runes[:previewMax-1]) + "…"
}

// argsPreview renders a per-tool one-line label: the command for bash, the
// path for file tools, a best-effort JSON label for everything else.
func argsPreview(toolName string, args map[string]interface{}) string {
	switch toolName {
	case "bash":
		if cmd, ok := args["command"].(string); ok {
			return preview(cmd)
		}
	case "read", "write", "edit":
		if p, ok := args["path"].(string); ok {
			return preview(p)
		}
		if p, ok := args["file_path"].(string); ok {
			return preview(p)
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return preview(fmt.Sprintf("%v", args))
	}
	return preview(string(data))
}

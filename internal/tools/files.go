package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/tau/internal/approval"
	"github.com/nextlevelbuilder/tau/internal/policy"
	"github.com/nextlevelbuilder/tau/internal/session"
)

// resolvePath resolves a possibly-relative path against the workspace and,
// when confine is true, rejects paths that escape it.
func resolvePath(path, workspace string, confine bool) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	if confine {
		rel, err := filepath.Rel(workspace, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path escapes the workspace: %s", path)
		}
	}
	return resolved, nil
}

// ReadFileTool reads file contents. Reads are never restricted by the
// sandbox policy; the sandbox only gates writes.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string        { return "read" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, false)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

// WriteFileTool writes files under the same policy the bash tool enforces
// for shell writes: read-only refuses, workspace-write confines to the
// workspace unless the user approves the specific path, danger-full-access
// writes anywhere.
type WriteFileTool struct {
	workspace string
	broker    approval.Broker
	effective session.EffectiveFunc
}

func NewWriteFileTool(workspace string, broker approval.Broker, effective session.EffectiveFunc) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, broker: broker, effective: effective}
}

func (t *WriteFileTool) Name() string        { return "write" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, res := t.authorizeWrite(ctx, path)
	if res != nil {
		return res
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), resolved))
}

// authorizeWrite applies the filesystem mode to one write target. Returns
// the resolved path, or an error result that ends the call.
func (t *WriteFileTool) authorizeWrite(ctx context.Context, path string) (string, *Result) {
	eff, err := t.effective()
	if err != nil {
		return "", ErrorResult(err.Error())
	}

	switch eff.FilesystemMode {
	case policy.FSReadOnly:
		return "", ErrorResult("filesystem mode is read-only; writes are not permitted")
	case policy.FSDangerFull:
		resolved, err := resolvePath(path, t.workspace, false)
		if err != nil {
			return "", ErrorResult(err.Error())
		}
		return resolved, nil
	}

	resolved, err := resolvePath(path, t.workspace, true)
	if err == nil {
		return resolved, nil
	}
	// Outside the workspace under workspace-write: the user decides.
	resolved, rerr := resolvePath(path, t.workspace, false)
	if rerr != nil {
		return "", ErrorResult(rerr.Error())
	}
	d := t.broker.Request(ctx, approval.Request{
		Kind:    approval.KindFSWriteOutOfScope,
		Command: resolved,
		Timeout: time.Duration(eff.ApprovalTimeoutSeconds) * time.Second,
	})
	if !d.Approved {
		return "", ErrorResult(fmt.Sprintf("approval denied (%s): write outside workspace: %s", d.Reason, resolved))
	}
	return resolved, nil
}

// EditFileTool replaces an exact string in a file.
type EditFileTool struct {
	write *WriteFileTool
}

func NewEditFileTool(workspace string, broker approval.Broker, effective session.EffectiveFunc) *EditFileTool {
	return &EditFileTool{write: NewWriteFileTool(workspace, broker, effective)}
}

func (t *EditFileTool) Name() string { return "edit" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file with a new string"
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type": "string",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace; must occur exactly once",
			},
			"new_string": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if path == "" || oldStr == "" {
		return ErrorResult("path and old_string are required")
	}
	resolved, res := t.write.authorizeWrite(ctx, path)
	if res != nil {
		return res
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)
	switch strings.Count(content, oldStr) {
	case 0:
		return ErrorResult("old_string not found in file")
	case 1:
	default:
		return ErrorResult("old_string occurs more than once; provide more context")
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("edited %s", resolved))
}

// ListFilesTool lists a directory.
type ListFilesTool struct {
	workspace string
}

func NewListFilesTool(workspace string) *ListFilesTool {
	return &ListFilesTool{workspace: workspace}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files in a directory" }
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.workspace, false)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(strings.Join(names, "\n"))
}

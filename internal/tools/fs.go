package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultMaxReadBytes = 200_000

type readFileParams struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read"`
}

// ReadFileTool reads files confined to the workspace.
type ReadFileTool struct {
	resolver resolver
	maxBytes int
}

// NewReadFileTool creates a read tool scoped to the workspace directory.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: resolver{root: workspace}, maxBytes: defaultMaxReadBytes}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return inputSchema(&readFileParams{})
}

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input readFileParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Offset < 0 {
		return errorResult("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return errorResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return errorResult(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return errorResult(fmt.Sprintf("read file: %v", err)), nil
	}
	return textResult(string(data)), nil
}

type writeFileParams struct {
	Path    string `json:"path" jsonschema:"description=Path to the file relative to the workspace"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// WriteFileTool writes files confined to the workspace.
type WriteFileTool struct {
	resolver resolver
}

// NewWriteFileTool creates a write tool scoped to the workspace directory.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{resolver: resolver{root: workspace}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write or append to a file in the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return inputSchema(&writeFileParams{})
}

func (t *WriteFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input writeFileParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errorResult(fmt.Sprintf("create parent directory: %v", err)), nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return errorResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return errorResult(fmt.Sprintf("write file: %v", err)), nil
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", n, input.Path)), nil
}

type listDirParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the workspace"`
}

// ListDirTool lists directory entries within the workspace.
type ListDirTool struct {
	resolver resolver
}

// NewListDirTool creates a listing tool scoped to the workspace directory.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{resolver: resolver{root: workspace}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return inputSchema(&listDirParams{})
}

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input listDirParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	path := input.Path
	if path == "" {
		path = "."
	}

	resolved, err := t.resolver.resolve(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return errorResult(fmt.Sprintf("read directory: %v", err)), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			b.WriteString(entry.Name() + "/\n")
			continue
		}
		b.WriteString(entry.Name() + "\n")
	}
	if b.Len() == 0 {
		return textResult("(empty directory)"), nil
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil
}

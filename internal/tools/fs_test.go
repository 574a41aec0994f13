package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestReadWriteRoundtrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws)
	result, err := write.Execute(ctx, mustParams(t, map[string]any{
		"path":    "notes/hello.txt",
		"content": "hello world",
	}))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.IsError {
		t.Fatalf("write error: %s", result.Content)
	}

	read := NewReadFileTool(ws)
	result, err = read.Execute(ctx, mustParams(t, map[string]any{"path": "notes/hello.txt"}))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Content != "hello world" {
		t.Errorf("read content = %q", result.Content)
	}
}

func TestReadFileOffsetAndLimit(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "data.txt"), []byte("abcdefgh"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws)
	result, err := read.Execute(context.Background(), mustParams(t, map[string]any{
		"path":      "data.txt",
		"offset":    2,
		"max_bytes": 3,
	}))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Content != "cde" {
		t.Errorf("content = %q, want %q", result.Content, "cde")
	}
}

func TestWriteFileAppend(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	write := NewWriteFileTool(ws)

	for _, chunk := range []string{"one\n", "two\n"} {
		result, err := write.Execute(ctx, mustParams(t, map[string]any{
			"path":    "log.txt",
			"content": chunk,
			"append":  true,
		}))
		if err != nil || result.IsError {
			t.Fatalf("append: err=%v result=%+v", err, result)
		}
	}

	data, err := os.ReadFile(filepath.Join(ws, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("file = %q", data)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	tools := []Tool{NewReadFileTool(ws), NewWriteFileTool(ws), NewListDirTool(ws)}
	for _, tool := range tools {
		params := mustParams(t, map[string]any{
			"path":    "../outside.txt",
			"content": "x",
		})
		result, err := tool.Execute(ctx, params)
		if err != nil {
			t.Fatalf("%s: %v", tool.Name(), err)
		}
		if !result.IsError {
			t.Errorf("%s accepted an escaping path", tool.Name())
		}
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(ws, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	list := NewListDirTool(ws)
	result, err := list.Execute(context.Background(), mustParams(t, map[string]any{}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := "a.txt\nb.txt\nsub/"
	if result.Content != want {
		t.Errorf("listing = %q, want %q", result.Content, want)
	}
}

func TestSchemasAreValidObjects(t *testing.T) {
	ws := t.TempDir()
	tools := []Tool{
		NewReadFileTool(ws), NewWriteFileTool(ws), NewListDirTool(ws),
		NewExecShellTool(ws), NewFetchURLTool(),
		NewDraftSkillTool(ws), NewRegisterSkillTool(ws),
	}
	for _, tool := range tools {
		var schema struct {
			Type       string          `json:"type"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Errorf("%s: schema not valid JSON: %v", tool.Name(), err)
			continue
		}
		if schema.Type != "object" {
			t.Errorf("%s: schema type = %q, want object", tool.Name(), schema.Type)
		}
	}
}

func TestExecShell(t *testing.T) {
	ws := t.TempDir()
	tool := NewExecShellTool(ws)

	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"command": fmt.Sprintf("echo -n hi > %s/out.txt; cat %s/out.txt", ws, ws),
	}))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.IsError {
		t.Fatalf("exec error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "hi") {
		t.Errorf("output = %q", result.Content)
	}
}

func TestExecShellFailureIsErrorResult(t *testing.T) {
	tool := NewExecShellTool(t.TempDir())
	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"command": "exit 3",
	}))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for nonzero exit")
	}
}

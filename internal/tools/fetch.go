package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFetchBytes = 500_000

type fetchURLParams struct {
	URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
}

// FetchURLTool fetches public web content over HTTP GET.
type FetchURLTool struct {
	client *http.Client
}

// NewFetchURLTool creates a fetch tool with a bounded timeout.
func NewFetchURLTool() *FetchURLTool {
	return &FetchURLTool{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *FetchURLTool) Name() string { return "fetch_url" }

func (t *FetchURLTool) Description() string {
	return "Fetch the content of a public HTTP or HTTPS URL."
}

func (t *FetchURLTool) Schema() json.RawMessage {
	return inputSchema(&fetchURLParams{})
}

func (t *FetchURLTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input fetchURLParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	url := strings.TrimSpace(input.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errorResult("url must start with http:// or https://"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("User-Agent", "ferry/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return errorResult(fmt.Sprintf("read body: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return errorResult(fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body)), nil
	}
	return textResult(string(body)), nil
}

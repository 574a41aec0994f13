package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport abstracts the wire connection to one tool server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (*JSONRPCResponse, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool

	// Close tears the connection down.
	Close() error
}

// NewTransport creates a transport matching the server config.
func NewTransport(cfg *ServerConfig) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio, "":
		return NewStdioTransport(cfg), nil
	case TransportHTTP, TransportSSE:
		return NewHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

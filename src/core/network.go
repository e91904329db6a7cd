package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxDispatchResponseSize bounds the reply read from a target contract endpoint
const maxDispatchResponseSize = 1 << 20

// ContractCallRequest is the body POSTed to a target contract endpoint
type ContractCallRequest struct {
	Context ExecutionContext `json:"context"`
	Payload Payload          `json:"payload"`
}

// HTTPDispatcher delivers executions to target contracts over HTTP.
// Each contract is mapped to the URL of the service hosting it.
type HTTPDispatcher struct {
	targets map[string]string
	client  *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the given contract → URL targets
func NewHTTPDispatcher(targets map[string]string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{}
	}
	instrumented := *client
	base := instrumented.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	instrumented.Transport = otelhttp.NewTransport(base)

	copied := make(map[string]string, len(targets))
	for contract, url := range targets {
		copied[contract] = url
	}
	return &HTTPDispatcher{targets: copied, client: &instrumented}
}

// Call implements Dispatcher
func (d *HTTPDispatcher) Call(ctx context.Context, execCtx ExecutionContext, payload Payload) ([]byte, error) {
	url, ok := d.targets[execCtx.Contract]
	if !ok {
		return nil, fmt.Errorf("no dispatch target for contract %s", execCtx.Contract)
	}

	body, err := json.Marshal(ContractCallRequest{Context: execCtx, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Action", execCtx.Action.String())

	resp, err := d.client.Do(req)
	if err != nil {
		logger.Warn("Failed to reach contract endpoint", "contract", execCtx.Contract, "url", url, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxDispatchResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("contract %s returned status %d", execCtx.Contract, resp.StatusCode)
	}

	logger.Debug("Dispatched message to contract",
		"contract", execCtx.Contract,
		"chain", execCtx.FromChain,
		"id", execCtx.ID,
		"status", resp.StatusCode)
	return reply, nil
}

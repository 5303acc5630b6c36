// Package tool implements the external Tool invoker collaborator's
// contract (execute(tool, params, deadline_ms, cancel_signal) ->
// {success, output, error, latency_ms, compensation?}) along with a
// concrete HTTP-backed implementation: a pooled client and an otel
// trace-context header carrier.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// Result is the tool invoker's response shape.
type Result struct {
	Success       bool
	Output        map[string]any
	Error         string
	LatencyMs     int64
	Compensation  *CompensationHint
}

// CompensationHint names a compensating tool and optional parameters the
// tool itself declared on success.
type CompensationHint struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Invoker is the narrow capability the engine depends on, supplied at
// construction rather than resolved from a global.
type Invoker interface {
	Execute(ctx context.Context, toolName string, params map[string]any, deadline time.Duration) (Result, error)
}

// Registry routes by tool name to a concrete Invoker, falling back to a
// default invoker for unregistered tools.
type Registry struct {
	invokers map[string]Invoker
	fallback Invoker
}

func NewRegistry(fallback Invoker) *Registry {
	return &Registry{invokers: make(map[string]Invoker), fallback: fallback}
}

func (r *Registry) Register(toolName string, inv Invoker) {
	r.invokers[toolName] = inv
}

func (r *Registry) Execute(ctx context.Context, toolName string, params map[string]any, deadline time.Duration) (Result, error) {
	inv, ok := r.invokers[toolName]
	if !ok {
		inv = r.fallback
	}
	if inv == nil {
		return Result{}, fmt.Errorf("no invoker registered for tool %q", toolName)
	}
	return inv.Execute(ctx, toolName, params, deadline)
}

// HTTPInvoker calls an external tool over HTTP, one base URL per tool
// name, with otel trace-context propagation injected into headers.
type HTTPInvoker struct {
	client  *http.Client
	baseURL func(toolName string) string
}

func NewHTTPInvoker(client *http.Client, baseURL func(toolName string) string) *HTTPInvoker {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPInvoker{client: client, baseURL: baseURL}
}

type headerCarrier struct{ header http.Header }

func (h headerCarrier) Get(key string) string        { return h.header.Get(key) }
func (h headerCarrier) Set(key, value string)         { h.header.Set(key, value) }
func (h headerCarrier) Keys() []string {
	out := make([]string, 0, len(h.header))
	for k := range h.header {
		out = append(out, k)
	}
	return out
}

func (h *HTTPInvoker) Execute(ctx context.Context, toolName string, params map[string]any, deadline time.Duration) (Result, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, h.baseURL(toolName), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tool-Name", toolName)
	propagation.TraceContext{}.Inject(callCtx, headerCarrier{header: req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, err
	}

	latency := time.Since(start).Milliseconds()
	if resp.StatusCode >= 400 {
		return Result{Success: false, Error: string(raw), LatencyMs: latency}, nil
	}

	var parsed struct {
		Output       map[string]any    `json:"output"`
		Compensation *CompensationHint `json:"compensation"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Success: true, Output: map[string]any{"raw": string(raw)}, LatencyMs: latency}, nil
	}
	return Result{Success: true, Output: parsed.Output, Compensation: parsed.Compensation, LatencyMs: latency}, nil
}

var _ propagation.TextMapCarrier = headerCarrier{}

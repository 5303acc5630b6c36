package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInvoker struct {
	result Result
	err    error
	calls  int
}

func (s *stubInvoker) Execute(ctx context.Context, toolName string, params map[string]any, deadline time.Duration) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestRegistryDispatchesToRegisteredInvoker(t *testing.T) {
	specific := &stubInvoker{result: Result{Success: true}}
	fallback := &stubInvoker{result: Result{Success: false}}

	r := NewRegistry(fallback)
	r.Register("book_ride", specific)

	_, err := r.Execute(context.Background(), "book_ride", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, specific.calls)
	assert.Equal(t, 0, fallback.calls)
}

func TestRegistryFallsBackForUnknownTool(t *testing.T) {
	fallback := &stubInvoker{result: Result{Success: true}}
	r := NewRegistry(fallback)

	_, err := r.Execute(context.Background(), "unknown_tool", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, fallback.calls)
}

func TestRegistryErrorsWithNoFallback(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "unknown_tool", nil, time.Second)
	assert.Error(t, err)
}

func TestHTTPInvokerSuccessParsesOutputAndCompensation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "book_ride", r.Header.Get("X-Tool-Name"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"output":       map[string]any{"rideId": "r-1"},
			"compensation": map[string]any{"tool": "cancel_ride", "parameters": map[string]any{"rideId": "r-1"}},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(nil, func(string) string { return srv.URL })
	result, err := inv.Execute(context.Background(), "book_ride", map[string]any{"from": "A"}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "r-1", result.Output["rideId"])
	require.NotNil(t, result.Compensation)
	assert.Equal(t, "cancel_ride", result.Compensation.Tool)
}

func TestHTTPInvokerErrorStatusReturnsFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("party size too large"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(nil, func(string) string { return srv.URL })
	result, err := inv.Execute(context.Background(), "book_restaurant_table", nil, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "party size too large")
}

func TestHTTPInvokerDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(nil, func(string) string { return srv.URL })
	result, err := inv.Execute(context.Background(), "slow_tool", nil, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

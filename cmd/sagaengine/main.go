// Command sagaengine runs the HTTP entrypoint that accepts new executions,
// exposes a confirmation-resolution endpoint for the human-in-the-loop
// flow, and subscribes to the NATS resume subject to drive segments
// forward. Wiring is flag-free and env-driven, with explicit component
// construction and signal-based graceful shutdown; every component built
// here is reachable from a request path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/swarmguard/sagaengine/internal/breaker"
	"github.com/swarmguard/sagaengine/internal/compensation"
	"github.com/swarmguard/sagaengine/internal/config"
	"github.com/swarmguard/sagaengine/internal/confirmation"
	"github.com/swarmguard/sagaengine/internal/dlq"
	"github.com/swarmguard/sagaengine/internal/engine"
	"github.com/swarmguard/sagaengine/internal/idempotency"
	"github.com/swarmguard/sagaengine/internal/kvstore"
	"github.com/swarmguard/sagaengine/internal/locking"
	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/snapshot"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/telemetry"
	"github.com/swarmguard/sagaengine/internal/tool"
	"github.com/swarmguard/sagaengine/internal/verifier"
)

func main() {
	cfg := config.FromEnv()

	logger := telemetry.InitLogging(cfg.ServiceName)
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown := telemetry.InitTracer(rootCtx, cfg.ServiceName)
	defer telemetry.Flush(context.Background(), traceShutdown)
	metricsShutdown, instruments := telemetry.InitMetrics(rootCtx, cfg.ServiceName)
	defer telemetry.Flush(context.Background(), metricsShutdown)

	kv := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	snapStore, err := snapshot.Open(cfg.SnapshotDBPath+"/snapshots.db", cfg.SnapshotMaxPerID, cfg.SnapshotTTL)
	if err != nil {
		logger.Error("snapshot store open failed", "error", err)
		os.Exit(1)
	}
	defer snapStore.Close()

	stateStore := state.NewStore(kv, cfg.OCCMaxRetries, cfg.OCCBaseDelay)
	lockSvc := locking.New(kv, cfg.LockStaleEps)
	idemSvc := idempotency.New(kv, cfg.IdempotencyTTL)
	correctionBreaker := breaker.NewCorrectionBreaker(kv, cfg.BreakerMaxAttempts, cfg.BreakerWindow, cfg.BreakerOpenFor)
	compRegistry := compensation.DefaultRegistry()
	confirmMgr := confirmation.NewManager(kv, cfg.ConfirmationTTL)
	publisher := queue.NewPublisher(nc, cfg.QueueSigningKey)

	invoker := tool.NewRegistry(tool.NewHTTPInvoker(nil, func(toolName string) string {
		return config.GetEnv("SAGA_TOOL_GATEWAY_URL", "http://localhost:9090") + "/tools/" + toolName
	}))

	eng := engine.New(
		engine.Config{
			MaxBatch:             cfg.MaxBatch,
			MinYieldCheck:        cfg.MinYieldCheck,
			CheckpointThreshold:  cfg.CheckpointThreshold,
			YieldBuffer:          cfg.YieldBuffer,
			StepDeadline:         cfg.SegmentTimeout,
			CompensationDeadline: cfg.CompensationDeadline,
			ResumeDelay:          cfg.ResumeDelay,
			LockTTL:              cfg.LockTTL,
			RiskCriticalUSD:      cfg.Risk.CriticalPaymentUSD,
			RiskHighUSD:          cfg.Risk.HighPaymentUSD,
			RiskHighPartySize:    cfg.Risk.HighPartySize,
			ToolCircuitMaxFailures: uint32(cfg.ToolCircuitMaxFailures),
			ToolCircuitOpenFor:     cfg.ToolCircuitOpenFor,
			ToolVersions:           cfg.ToolVersions,
		},
		lockSvc, idemSvc, stateStore, correctionBreaker, compRegistry, confirmMgr, invoker, publisher, instruments,
		verifier.Config{},
	).WithSnapshots(snapStore)

	reconciler := dlq.NewReconciler(stateStore, kv, publisher, cfg.DLQZombieAfter, cfg.DLQMaxRequeues)
	eng.OnActiveTerminal(reconciler.TrackActive, reconciler.Untrack)
	if err := reconciler.Start(rootCtx, cfg.DLQScanCron); err != nil {
		logger.Error("dlq reconciler start failed", "error", err)
		os.Exit(1)
	}

	sub, err := queue.Subscribe(nc, publisher, func(ctx context.Context, msg queue.ResumeMessage) {
		ctx = engine.WithTraceID(ctx, msg.TraceID)
		result, err := eng.RunSegment(ctx, msg.ExecutionID, "")
		if err != nil {
			logger.Error("segment run failed", "execution_id", msg.ExecutionID, "error", err)
			return
		}
		if result.Yielded {
			logger.Info("segment yielded", "execution_id", msg.ExecutionID, "reason", result.Reason)
		}
	})
	if err != nil {
		logger.Error("resume subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/executions", createExecutionHandler(stateStore, eng))
	mux.HandleFunc("GET /v1/executions/{id}", getExecutionHandler(stateStore))
	mux.HandleFunc("POST /v1/confirmations/{token}/resolve", resolveConfirmationHandler(eng))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{
		Addr:         config.GetEnv("SAGA_HTTP_ADDR", ":8080"),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}

type createExecutionRequest struct {
	UserID    string                `json:"user_id"`
	IntentType string               `json:"intent_type"`
	Plan      []state.StepState    `json:"plan"`
	CostLimitUSD float64           `json:"cost_limit_usd"`
	Context   map[string]any        `json:"context"`
}

func createExecutionHandler(store *state.Store, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}

		execCtx := req.Context
		if execCtx == nil {
			execCtx = map[string]any{}
		}
		execCtx["user_id"] = req.UserID
		execCtx["intent_type"] = req.IntentType

		stepStates := make([]state.StepState, len(req.Plan))
		for i, s := range req.Plan {
			s.Status = state.StepPending
			stepStates[i] = s
		}

		exec := state.Execution{
			ExecutionID: uuid.NewString(),
			Plan:        req.Plan,
			StepStates:  stepStates,
			Context:     execCtx,
			Budget:      state.Budget{CostLimitUSD: req.CostLimitUSD},
		}
		created, err := store.Create(r.Context(), exec)
		if err != nil {
			http.Error(w, fmt.Sprintf("create execution: %v", err), http.StatusInternalServerError)
			return
		}

		_, err = store.Update(r.Context(), created.ExecutionID, created.Version, func(pre state.Execution) (state.Execution, error) {
			pre.Status = state.StatusPlanned
			return pre, nil
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("plan execution: %v", err), http.StatusInternalServerError)
			return
		}

		result, err := eng.RunSegment(r.Context(), created.ExecutionID, "")
		if err != nil {
			http.Error(w, fmt.Sprintf("run segment: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

func getExecutionHandler(store *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		exec, err := store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

type resolveConfirmationRequest struct {
	Identity string `json:"identity"`
	Approved bool   `json:"approved"`
}

func resolveConfirmationHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		var req resolveConfirmationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
		result, err := eng.ResolveConfirmation(r.Context(), token, req.Identity, req.Approved)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve confirmation: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

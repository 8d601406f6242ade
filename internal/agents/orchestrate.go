package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harborhq/harbor/internal/api"
)

// Orchestrator composes the multi-agent primitives over Invoke. It holds
// no transport of its own; everything reduces to agent invocations.
type Orchestrator struct {
	reg *Registry

	mu       sync.Mutex
	inflight map[string]int // supervisor admission accounting
	rrCursor int
}

// NewOrchestrator creates an orchestrator over the registry.
func NewOrchestrator(reg *Registry) *Orchestrator {
	return &Orchestrator{reg: reg, inflight: make(map[string]int)}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// applyTransform reshapes a step output. An empty transform is identity; a
// dotted path ("." prefixed) extracts a nested field from object output.
func applyTransform(transform string, v any) any {
	if transform == "" || transform == "." {
		return v
	}
	path := strings.TrimPrefix(transform, ".")
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// PipelineStep is one sequential stage. Task is a literal template with
// {{input}} substituted by the previous step's output.
type PipelineStep struct {
	AgentID         string        `json:"agentId"`
	Task            string        `json:"task"`
	OutputTransform string        `json:"outputTransform,omitempty"`
	Timeout         time.Duration `json:"-"`
}

// StepResult records one pipeline step's outcome.
type StepResult struct {
	AgentID string `json:"agentId"`
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PipelineResult is the aggregate pipeline outcome. On failure StepResults
// holds the partial progress up to and including the failing step.
type PipelineResult struct {
	Success     bool         `json:"success"`
	Output      any          `json:"output,omitempty"`
	StepResults []StepResult `json:"stepResults"`
}

// Pipeline runs steps sequentially, feeding each step's transformed output
// into the next step's template. The first failing step aborts the rest.
func (o *Orchestrator) Pipeline(ctx context.Context, steps []PipelineStep, input any, fromAgentID, fromOrigin, traceID string, tabID int) PipelineResult {
	res := PipelineResult{StepResults: []StepResult{}}
	current := input
	for _, step := range steps {
		task := strings.ReplaceAll(step.Task, "{{input}}", stringify(current))
		out, err := o.reg.Invoke(ctx, InvocationRequest{
			TargetAgentID: step.AgentID,
			Task:          task,
			Timeout:       step.Timeout,
		}, fromAgentID, fromOrigin, traceID, tabID)
		if err != nil {
			res.StepResults = append(res.StepResults, StepResult{AgentID: step.AgentID, Error: err.Error()})
			return res
		}
		current = applyTransform(step.OutputTransform, out)
		res.StepResults = append(res.StepResults, StepResult{AgentID: step.AgentID, Success: true, Output: current})
	}
	res.Success = true
	res.Output = current
	return res
}

// ParallelTask is one fan-out branch.
type ParallelTask struct {
	AgentID string        `json:"agentId"`
	Task    any           `json:"task"`
	Timeout time.Duration `json:"-"`
}

// ParallelResult aggregates fan-out outcomes. Individual failures never
// short-circuit the others; Success means every branch succeeded.
type ParallelResult struct {
	Success  bool         `json:"success"`
	Results  []StepResult `json:"results"`
	Combined any          `json:"combined,omitempty"`
}

// Parallel fans tasks out concurrently and combines results per strategy:
// "array" (positional), "merge" (shallow map merge, later tasks win),
// "first" (first success in original order), "custom" (raw array for the
// caller to post-process).
func (o *Orchestrator) Parallel(ctx context.Context, tasks []ParallelTask, combineStrategy, fromAgentID, fromOrigin, traceID string, tabID int) ParallelResult {
	results := make([]StepResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task ParallelTask) {
			defer wg.Done()
			out, err := o.reg.Invoke(ctx, InvocationRequest{
				TargetAgentID: task.AgentID,
				Task:          task.Task,
				Timeout:       task.Timeout,
			}, fromAgentID, fromOrigin, traceID, tabID)
			if err != nil {
				results[i] = StepResult{AgentID: task.AgentID, Error: err.Error()}
				return
			}
			results[i] = StepResult{AgentID: task.AgentID, Success: true, Output: out}
		}(i, task)
	}
	wg.Wait()

	res := ParallelResult{Success: true, Results: results}
	for _, r := range results {
		if !r.Success {
			res.Success = false
		}
	}
	res.Combined = combine(combineStrategy, results)
	return res
}

func combine(strategy string, results []StepResult) any {
	switch strategy {
	case "merge":
		merged := map[string]any{}
		for _, r := range results {
			if !r.Success {
				continue
			}
			if m, ok := r.Output.(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		return merged
	case "first":
		for _, r := range results {
			if r.Success {
				return r.Output
			}
		}
		return nil
	case "custom":
		raw := make([]any, len(results))
		for i, r := range results {
			raw[i] = r.Output
		}
		return raw
	default: // "array"
		out := make([]any, len(results))
		for i, r := range results {
			out[i] = r.Output
		}
		return out
	}
}

// Route is one (condition, agent) pair evaluated in order.
type Route struct {
	Condition string `json:"condition"`
	AgentID   string `json:"agentId"`
}

// matchesCondition evaluates one routing condition against the input.
// Supported forms: "always", "hasProperty:<key>", "type:<name>",
// "regex:<pattern>" (string input only), and "<field>:<value>" equality
// with stringified comparison against object input.
func matchesCondition(condition string, input any) bool {
	if condition == "always" {
		return true
	}
	if key, ok := strings.CutPrefix(condition, "hasProperty:"); ok {
		m, isMap := input.(map[string]any)
		if !isMap {
			return false
		}
		_, has := m[key]
		return has
	}
	if typeName, ok := strings.CutPrefix(condition, "type:"); ok {
		return typeOf(input) == typeName
	}
	if pattern, ok := strings.CutPrefix(condition, "regex:"); ok {
		s, isStr := input.(string)
		if !isStr {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	}
	field, value, ok := strings.Cut(condition, ":")
	if !ok {
		return false
	}
	m, isMap := input.(map[string]any)
	if !isMap {
		return false
	}
	got, has := m[field]
	return has && stringify(got) == value
}

func typeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return "unknown"
}

// RouteTo evaluates routes in order and invokes the first matching agent.
// No match and no default yields ERR_NO_ROUTE without invoking anyone.
func (o *Orchestrator) RouteTo(ctx context.Context, routes []Route, defaultAgentID string, input any, fromAgentID, fromOrigin, traceID string, tabID int) (any, error) {
	target := ""
	for _, route := range routes {
		if matchesCondition(route.Condition, input) {
			target = route.AgentID
			break
		}
	}
	if target == "" {
		target = defaultAgentID
	}
	if target == "" {
		return nil, api.Errorf(api.CodeNoRoute, "no route matched input and no default agent is set")
	}
	return o.reg.Invoke(ctx, InvocationRequest{TargetAgentID: target, Task: input}, fromAgentID, fromOrigin, traceID, tabID)
}

// RetryConfig tunes supervisor reassignment on failure.
type RetryConfig struct {
	MaxAttempts       int           `json:"maxAttempts"`
	ReassignOnFailure bool          `json:"reassignOnFailure"`
	Delay             time.Duration `json:"-"`
}

// SupervisorConfig describes a worker pool.
type SupervisorConfig struct {
	Workers                []string     `json:"workers"`
	Strategy               string       `json:"strategy"` // round-robin | random | least-busy | capability-match
	MaxConcurrentPerWorker int          `json:"maxConcurrentPerWorker,omitempty"`
	Retry                  *RetryConfig `json:"retry,omitempty"`
}

// SupervisorTask is one unit of work for the pool.
type SupervisorTask struct {
	Input                any           `json:"input"`
	RequiredCapabilities []string      `json:"requiredCapabilities,omitempty"`
	Timeout              time.Duration `json:"-"`
}

// Supervise dispatches one task to a worker chosen by the configured
// strategy. There is no queue: a task finding no available worker fails
// immediately with ERR_NO_ROUTE. With reassign-on-failure, retries exclude
// previously tried workers until the pool is exhausted.
func (o *Orchestrator) Supervise(ctx context.Context, cfg SupervisorConfig, task SupervisorTask, fromAgentID, fromOrigin, traceID string, tabID int) (any, error) {
	maxAttempts := 1
	if cfg.Retry != nil && cfg.Retry.ReassignOnFailure && cfg.Retry.MaxAttempts > 1 {
		maxAttempts = cfg.Retry.MaxAttempts
	}

	tried := make(map[string]struct{})
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && cfg.Retry != nil && cfg.Retry.Delay > 0 {
			select {
			case <-time.After(cfg.Retry.Delay):
			case <-ctx.Done():
				return nil, api.Errorf(api.CodeTimeout, "supervisor canceled: %v", ctx.Err())
			}
		}

		worker, err := o.acquireWorker(ctx, cfg, task, tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[worker] = struct{}{}

		out, err := o.reg.Invoke(ctx, InvocationRequest{
			TargetAgentID: worker,
			Task:          task.Input,
			Timeout:       task.Timeout,
		}, fromAgentID, fromOrigin, traceID, tabID)
		o.release(worker)

		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// acquireWorker picks an available worker, polling while every worker is
// merely busy (at its concurrency cap). A pool with no eligible worker at
// all fails immediately with ERR_NO_ROUTE; a pool whose workers are only
// momentarily saturated is worth waiting for, which is what lets a
// single-worker pool drain tasks sequentially.
func (o *Orchestrator) acquireWorker(ctx context.Context, cfg SupervisorConfig, task SupervisorTask, tried map[string]struct{}) (string, error) {
	deadline := time.Now().Add(DefaultInvocationTimeout)
	if task.Timeout > 0 {
		deadline = time.Now().Add(task.Timeout)
	}
	for {
		worker := o.pickWorker(cfg, task, tried)
		if worker == "" && len(tried) > 0 && !o.anyUntried(cfg, tried) {
			// Every eligible worker has been tried; fall back to reusing one.
			// An untried worker that is merely at its concurrency cap is not
			// grounds for reuse, so that case keeps polling below.
			for id := range tried {
				delete(tried, id)
			}
			worker = o.pickWorker(cfg, task, tried)
		}
		if worker != "" {
			return worker, nil
		}
		if !o.anyEligible(cfg) {
			return "", api.Errorf(api.CodeNoRoute, "no available worker for task")
		}
		if time.Now().After(deadline) {
			return "", api.Errorf(api.CodeTimeout, "no worker became available in time")
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return "", api.Errorf(api.CodeTimeout, "supervisor canceled: %v", ctx.Err())
		}
	}
}

// anyUntried reports whether an eligible worker outside the tried set
// remains, counting workers currently at their concurrency cap.
func (o *Orchestrator) anyUntried(cfg SupervisorConfig, tried map[string]struct{}) bool {
	for _, id := range cfg.Workers {
		if _, skip := tried[id]; skip {
			continue
		}
		if a, ok := o.reg.Get(id); ok && a.AcceptsInvocations {
			return true
		}
	}
	return false
}

// anyEligible reports whether the pool has at least one registered worker
// accepting invocations, busy or not.
func (o *Orchestrator) anyEligible(cfg SupervisorConfig) bool {
	for _, id := range cfg.Workers {
		if a, ok := o.reg.Get(id); ok && a.AcceptsInvocations {
			return true
		}
	}
	return false
}

func (o *Orchestrator) release(worker string) {
	o.mu.Lock()
	if o.inflight[worker] > 0 {
		o.inflight[worker]--
	}
	o.mu.Unlock()
}

// pickWorker selects an available worker per strategy and admits it in one
// critical section, or returns "" when none qualifies. Availability means
// registered, accepting invocations, under the per-worker concurrency cap,
// and not already tried this task.
func (o *Orchestrator) pickWorker(cfg SupervisorConfig, task SupervisorTask, tried map[string]struct{}) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	available := make([]string, 0, len(cfg.Workers))
	for _, id := range cfg.Workers {
		if _, skip := tried[id]; skip {
			continue
		}
		a, ok := o.reg.Get(id)
		if !ok || !a.AcceptsInvocations {
			continue
		}
		if cfg.MaxConcurrentPerWorker > 0 && o.inflight[id] >= cfg.MaxConcurrentPerWorker {
			continue
		}
		available = append(available, id)
	}
	if len(available) == 0 {
		return ""
	}

	var pick string
	switch cfg.Strategy {
	case "random":
		pick = available[rand.Intn(len(available))]
	case "least-busy":
		pick = available[0]
		for _, id := range available[1:] {
			if o.inflight[id] < o.inflight[pick] {
				pick = id
			}
		}
	case "capability-match":
		pick = available[0]
		for _, id := range available {
			a, _ := o.reg.Get(id)
			if hasAll(a.Capabilities, task.RequiredCapabilities) {
				pick = id
				break
			}
		}
	default: // round-robin
		pick = available[o.rrCursor%len(available)]
		o.rrCursor++
	}
	o.inflight[pick]++
	return pick
}

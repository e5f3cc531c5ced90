// Package macro implements the declarative action-step interpreter
// backing execute_macro (spec.md §3's Macro entity, §6's execute_macro
// long-running method).
//
// Grounded on the teacher's internal/recording/playback_engine.go
// (StartPlayback/ExecutePlayback/executeAction: a type-switch dispatch
// over recorded action kinds producing one per-step PlaybackResult) and
// internal/session/actions-diff.go's declarative diff shape named in
// SPEC_FULL.md, generalized here from browser-action replay to the
// Automation Coordinator's input/method-call surface. Unlike the
// teacher's diagnostic replay (which deliberately continues after a
// failed action to surface every fragile selector in one pass), a macro
// is a deterministic automation script: Execute stops at the first step
// that errors, since a later step typically depends on an earlier one
// having actually happened.
package macro

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// StepExecutor is the narrow surface a macro needs from its host. The
// Automation Coordinator implements it; macro never imports coordinator,
// avoiding an import cycle since the coordinator is what drives
// execute_macro through this package.
type StepExecutor interface {
	// PerformInput synthesizes one input event for pid.
	PerformInput(ctx context.Context, pid int, kind types.InputKind, params map[string]any) error
	// CallMethod invokes a named automation method (e.g. "get_window",
	// "locate_elements", "press_element") against pid with args, returning a
	// value a StepAssign can capture.
	CallMethod(ctx context.Context, pid int, method string, args map[string]any) (any, error)
}

// StepResult is one step's outcome, recorded for diagnostics regardless
// of whether Execute ultimately stops early.
type StepResult struct {
	Index      int
	Kind       types.MacroStepKind
	Status     string // "ok" or "error"
	Error      string
	DurationMs int64
}

// Result is the outcome of a full macro run.
type Result struct {
	Steps     []StepResult
	Variables map[string]any
}

// maxLoopIterations bounds a predicate-driven loop (Iterations == 0)
// against a macro that never converges.
const maxLoopIterations = 10000

// Execute runs steps in order against executor, maintaining a single
// variable scope shared across the whole run (StepAssign writes into it,
// StepConditional/StepLoop predicates read from it). It stops and
// returns an error at the first step that fails.
func Execute(ctx context.Context, steps []types.MacroStep, executor StepExecutor) (Result, error) {
	res := Result{Variables: make(map[string]any)}
	last, err := run(ctx, steps, executor, res.Variables, &res.Steps)
	res.Variables["$last"] = last
	if err != nil {
		return res, err
	}
	return res, nil
}

// run executes steps in sequence, appending a StepResult for each to
// *out, returning the final step's CallMethod result (for $last capture)
// and the first error encountered, if any.
func run(ctx context.Context, steps []types.MacroStep, executor StepExecutor, vars map[string]any, out *[]StepResult) (any, error) {
	var last any
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		start := time.Now()
		idx := len(*out)
		result, err := execStep(ctx, step, executor, vars, out)
		sr := StepResult{Index: idx, Kind: step.Kind, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			sr.Status = "error"
			sr.Error = err.Error()
			*out = append(*out, sr)
			return last, err
		}
		sr.Status = "ok"
		*out = append(*out, sr)
		last = result
	}
	return last, nil
}

// execStep dispatches a single step by kind. Nested blocks
// (conditional/loop bodies) append their own StepResults into the same
// *out slice, preserving execution order for diagnostics.
func execStep(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any, out *[]StepResult) (any, error) {
	switch step.Kind {
	case types.StepInput:
		return nil, execInput(ctx, step, executor, vars)
	case types.StepMethodCall:
		return execMethodCall(ctx, step, executor, vars)
	case types.StepWait:
		return nil, execWait(ctx, step, executor, vars)
	case types.StepAssign:
		return nil, execAssign(step, vars)
	case types.StepConditional:
		return execConditional(ctx, step, executor, vars, out)
	case types.StepLoop:
		return execLoop(ctx, step, executor, vars, out)
	default:
		return nil, corerr.Newf(corerr.InvalidArgument, "unknown macro step kind %q", step.Kind)
	}
}

func execInput(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any) error {
	pid, _ := step.Params["pid"].(int)
	kindStr, _ := step.Params["kind"].(string)
	if kindStr == "" {
		return corerr.New(corerr.InvalidArgument, "input step missing \"kind\"")
	}
	return executor.PerformInput(ctx, pid, types.InputKind(kindStr), resolveParams(step.Params, vars))
}

func execMethodCall(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any) (any, error) {
	pid, _ := step.Params["pid"].(int)
	method, _ := step.Params["method"].(string)
	if method == "" {
		return nil, corerr.New(corerr.InvalidArgument, "method_call step missing \"method\"")
	}
	args, _ := step.Params["args"].(map[string]any)
	result, err := executor.CallMethod(ctx, pid, method, resolveParams(args, vars))
	if err != nil {
		return nil, err
	}
	if resultVar, ok := step.Params["result_var"].(string); ok && resultVar != "" {
		vars[resultVar] = result
	}
	vars["$last"] = result
	return result, nil
}

func execWait(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any) error {
	if ms, ok := numericParam(step.Params, "duration_ms"); ok {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	pollMethod, _ := step.Params["poll_method"].(string)
	if pollMethod == "" {
		return nil
	}
	pid, _ := step.Params["pid"].(int)
	args, _ := step.Params["poll_args"].(map[string]any)
	interval := 100 * time.Millisecond
	if ms, ok := numericParam(step.Params, "interval_ms"); ok {
		interval = time.Duration(ms) * time.Millisecond
	}
	deadline := time.Now().Add(30 * time.Second)
	if ms, ok := numericParam(step.Params, "timeout_ms"); ok {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := executor.CallMethod(ctx, pid, pollMethod, resolveParams(args, vars))
		if err == nil && isTruthy(result) {
			vars["$last"] = result
			return nil
		}
		if time.Now().After(deadline) {
			return corerr.Newf(corerr.DeadlineExceeded, "wait step: %q did not become true within timeout", pollMethod)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func execAssign(step types.MacroStep, vars map[string]any) error {
	name, _ := step.Params["var"].(string)
	if name == "" {
		return corerr.New(corerr.InvalidArgument, "assign step missing \"var\"")
	}
	vars[name] = resolveValue(step.Params["value"], vars)
	return nil
}

func execConditional(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any, out *[]StepResult) (any, error) {
	if evalPredicate(step.Params, vars) {
		return run(ctx, step.Then, executor, vars, out)
	}
	return run(ctx, step.Else, executor, vars, out)
}

func execLoop(ctx context.Context, step types.MacroStep, executor StepExecutor, vars map[string]any, out *[]StepResult) (any, error) {
	var last any
	if step.Iterations > 0 {
		for i := 0; i < step.Iterations; i++ {
			vars["$index"] = i
			v, err := run(ctx, step.Body, executor, vars, out)
			if err != nil {
				return last, err
			}
			last = v
		}
		return last, nil
	}
	for i := 0; i < maxLoopIterations; i++ {
		if !evalPredicate(step.Params, vars) {
			return last, nil
		}
		vars["$index"] = i
		v, err := run(ctx, step.Body, executor, vars, out)
		if err != nil {
			return last, err
		}
		last = v
	}
	return last, corerr.Newf(corerr.Internal, "loop step exceeded %d iterations without its predicate clearing", maxLoopIterations)
}

// evalPredicate implements the small declarative condition language a
// conditional/predicate-driven loop step uses: {"var": name, "op": ...,
// "value": ...}. Absent var/op evaluates to false, so a malformed
// predicate never accidentally loops forever on "true".
func evalPredicate(params map[string]any, vars map[string]any) bool {
	name, _ := params["var"].(string)
	if name == "" {
		return false
	}
	op, _ := params["op"].(string)
	actual, exists := vars[name]
	switch op {
	case "exists":
		return exists
	case "not_exists":
		return !exists
	case "equals":
		return exists && fmt.Sprint(actual) == fmt.Sprint(params["value"])
	case "not_equals":
		return !exists || fmt.Sprint(actual) != fmt.Sprint(params["value"])
	case "gt":
		a, aok := toFloat(actual)
		b, bok := toFloat(params["value"])
		return aok && bok && a > b
	case "lt":
		a, aok := toFloat(actual)
		b, bok := toFloat(params["value"])
		return aok && bok && a < b
	default:
		return false
	}
}

// resolveParams returns a shallow copy of params with any "$"-prefixed
// string values substituted from vars, leaving everything else as-is.
func resolveParams(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, vars)
	}
	return out
}

// resolveValue substitutes a "$name" string reference with vars["name"],
// or "$last" with the previous step's result; any other value passes
// through unchanged.
func resolveValue(v any, vars map[string]any) any {
	s, ok := v.(string)
	if !ok || len(s) < 2 || s[0] != '$' {
		return v
	}
	if s == "$last" {
		return vars["$last"]
	}
	if bound, ok := vars[s[1:]]; ok {
		return bound
	}
	return v
}

func numericParam(params map[string]any, key string) (float64, bool) {
	return toFloat(params[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isTruthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	default:
		return true
	}
}

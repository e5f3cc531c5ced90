package macro

import (
	"context"
	"errors"
	"testing"

	"github.com/joeycumines/macosuse-core/internal/types"
)

// fakeExecutor is a minimal, in-memory StepExecutor for exercising the
// interpreter without a real coordinator.
type fakeExecutor struct {
	inputs  []string
	calls   []string
	methods map[string]func(args map[string]any) (any, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{methods: make(map[string]func(args map[string]any) (any, error))}
}

func (f *fakeExecutor) PerformInput(ctx context.Context, pid int, kind types.InputKind, params map[string]any) error {
	f.inputs = append(f.inputs, string(kind))
	return nil
}

func (f *fakeExecutor) CallMethod(ctx context.Context, pid int, method string, args map[string]any) (any, error) {
	f.calls = append(f.calls, method)
	if fn, ok := f.methods[method]; ok {
		return fn(args)
	}
	return nil, nil
}

func TestExecuteRunsInputAndMethodCallInOrder(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	steps := []types.MacroStep{
		{Kind: types.StepInput, Params: map[string]any{"kind": "click"}},
		{Kind: types.StepMethodCall, Params: map[string]any{"method": "wait_element"}},
	}

	res, err := Execute(context.Background(), steps, exec)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(res.Steps) != 2 || res.Steps[0].Status != "ok" || res.Steps[1].Status != "ok" {
		t.Fatalf("unexpected step results: %+v", res.Steps)
	}
	if len(exec.inputs) != 1 || exec.inputs[0] != "click" {
		t.Errorf("expected one click input, got %v", exec.inputs)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "wait_element" {
		t.Errorf("expected one wait_element call, got %v", exec.calls)
	}
}

func TestExecuteStopsAtFirstError(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	exec.methods["boom"] = func(args map[string]any) (any, error) { return nil, errors.New("boom") }
	steps := []types.MacroStep{
		{Kind: types.StepMethodCall, Params: map[string]any{"method": "boom"}},
		{Kind: types.StepMethodCall, Params: map[string]any{"method": "never_reached"}},
	}

	_, err := Execute(context.Background(), steps, exec)
	if err == nil {
		t.Fatal("expected error from failing step")
	}
	if len(exec.calls) != 1 {
		t.Errorf("expected execution to stop after the failing step, calls = %v", exec.calls)
	}
}

func TestAssignAndMethodCallResultBinding(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	exec.methods["get_count"] = func(args map[string]any) (any, error) { return 3, nil }
	steps := []types.MacroStep{
		{Kind: types.StepMethodCall, Params: map[string]any{"method": "get_count", "result_var": "count"}},
		{Kind: types.StepAssign, Params: map[string]any{"var": "doubled", "value": "$count"}},
	}

	res, err := Execute(context.Background(), steps, exec)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Variables["count"] != 3 {
		t.Errorf("count = %v, want 3", res.Variables["count"])
	}
	if res.Variables["doubled"] != 3 {
		t.Errorf("doubled = %v, want 3 (copied from $count)", res.Variables["doubled"])
	}
}

func TestConditionalTakesThenBranchWhenPredicateHolds(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	steps := []types.MacroStep{
		{Kind: types.StepAssign, Params: map[string]any{"var": "ready", "value": "yes"}},
		{
			Kind: types.StepConditional,
			Params: map[string]any{"var": "ready", "op": "equals", "value": "yes"},
			Then: []types.MacroStep{
				{Kind: types.StepMethodCall, Params: map[string]any{"method": "then_branch"}},
			},
			Else: []types.MacroStep{
				{Kind: types.StepMethodCall, Params: map[string]any{"method": "else_branch"}},
			},
		},
	}

	_, err := Execute(context.Background(), steps, exec)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "then_branch" {
		t.Errorf("expected then_branch called, got %v", exec.calls)
	}
}

func TestLoopWithFixedIterations(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	steps := []types.MacroStep{
		{
			Kind:       types.StepLoop,
			Iterations: 3,
			Body: []types.MacroStep{
				{Kind: types.StepMethodCall, Params: map[string]any{"method": "tick"}},
			},
		},
	}

	_, err := Execute(context.Background(), steps, exec)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Errorf("expected 3 tick calls, got %d: %v", len(exec.calls), exec.calls)
	}
}

func TestLoopPredicateDrivenStopsWhenConditionClears(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	steps := []types.MacroStep{
		{Kind: types.StepAssign, Params: map[string]any{"var": "n", "value": float64(0)}},
		{
			Kind:   types.StepLoop,
			Params: map[string]any{"var": "n", "op": "lt", "value": float64(3)},
			Body: []types.MacroStep{
				{Kind: types.StepMethodCall, Params: map[string]any{"method": "tick"}},
				{Kind: types.StepAssign, Params: map[string]any{"var": "n", "value": float64(3)}},
			},
		},
	}

	_, err := Execute(context.Background(), steps, exec)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("expected exactly one iteration before n reaches 3, got %d calls", len(exec.calls))
	}
}

func TestWaitDurationRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	steps := []types.MacroStep{
		{Kind: types.StepWait, Params: map[string]any{"duration_ms": float64(5000)}},
	}

	_, err := Execute(ctx, steps, exec)
	if err == nil {
		t.Fatal("expected cancellation to abort the wait step")
	}
}

package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/resources"
)

var (
	testIO = resources.NewIOResource(100)
	testDB = resources.NewDatabase(am.DatabaseTarget{Name: "primary", ACUs: 100}, 1)
)

// fakeStep is a configurable step for graph tests
type fakeStep struct {
	Base
	DBUnits float64 `json:"dbUnits"`
	IOUnits float64 `json:"ioUnits"`
	Seconds int     `json:"seconds"`

	loadErr error
}

func newFake(id string, db, io float64) *fakeStep {
	return &fakeStep{Base: Base{StepID: id}, DBUnits: db, IOUnits: io}
}

func (s *fakeStep) Type() string                 { return "Fake" }
func (s *fakeStep) ExecutionMode() ExecutionMode { return ModeSync }
func (s *fakeStep) EstimatedSeconds() int        { return s.Seconds }

func (s *fakeStep) NeededResources(context.Context) ([]resources.Load, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var loads []resources.Load
	if s.DBUnits > 0 {
		loads = append(loads, resources.NewLoad(testDB, s.DBUnits))
	}
	if s.IOUnits > 0 {
		loads = append(loads, resources.NewLoad(testIO, s.IOUnits))
	}
	return loads, nil
}

func (s *fakeStep) Execute(context.Context, bool) error { return nil }

func setState(t *testing.T, s Step, states ...State) {
	t.Helper()
	now := time.Now()
	for _, st := range states {
		require.NoError(t, s.Runtime().Transition(st, now))
		now = now.Add(time.Millisecond)
	}
}

func ids(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID()
	}
	return out
}

func loadMap(loads []resources.Load) map[string]float64 {
	m := make(map[string]float64)
	for _, l := range loads {
		m[l.ResourceID()] = l.Units()
	}
	return m
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateRunning))
	assert.True(t, CanTransition(StatePending, StateCancelled))
	assert.True(t, CanTransition(StateRunning, StatePending))
	assert.True(t, CanTransition(StateRunning, StateFailed))
	assert.False(t, CanTransition(StatePending, StateSucceeded))
	for _, terminal := range []State{StateSucceeded, StateFailed, StateCancelled} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, CanTransition(terminal, StateRunning), "%s must be final", terminal)
	}
}

func TestRuntimeTransition(t *testing.T) {
	var rt Runtime
	assert.Equal(t, StatePending, rt.State())

	now := time.Now()
	require.NoError(t, rt.Transition(StateRunning, now))
	assert.Equal(t, 1, rt.Attempts())
	require.NoError(t, rt.Transition(StatePending, now))
	assert.True(t, rt.Resume(), "re-queued step resumes")
	require.NoError(t, rt.Transition(StateRunning, now))
	assert.Equal(t, 2, rt.Attempts())
	require.NoError(t, rt.Transition(StateSucceeded, now))
	assert.NotNil(t, rt.FinishedAt())

	err := rt.Transition(StateRunning, now)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestRuntimeSnapshotIsACopy(t *testing.T) {
	var rt Runtime
	rt.SetOutput("count", "10")
	snap := rt.Snapshot()
	snap.Outputs["count"] = "99"
	v, _ := rt.Output("count")
	assert.Equal(t, "10", v)
}

func TestRetryPolicy(t *testing.T) {
	assert.False(t, NoRetry.Allows(1))
	assert.False(t, RetryPolicy{}.Allows(1))
	p := RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.Allows(2))
	assert.False(t, p.Allows(3))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(errors.New("flaky"))))
	assert.True(t, IsRetryable(errors.Wrap(errors.ErrTimeout, "count features")))
	assert.True(t, IsRetryable(errors.Wrap(errors.ErrServiceUnavailable, "backend")))
	assert.False(t, IsRetryable(errors.New("syntax error")))
	assert.False(t, IsRetryable(Retryable(errors.Wrap(errors.ErrCancelled, "job cancelled"))))
	assert.False(t, IsRetryable(nil))
}

func TestSequentialGraphGatesOnPreviousSuccess(t *testing.T) {
	a, b, c := newFake("a", 1, 0), newFake("b", 1, 0), newFake("c", 1, 0)
	g := NewSequential(a, b, c)

	assert.Equal(t, []string{"a"}, ids(g.Ready()))

	setState(t, a, StateRunning)
	assert.Empty(t, g.Ready(), "at most one child of a sequential graph runs")

	setState(t, a, StateSucceeded)
	assert.Equal(t, []string{"b"}, ids(g.Ready()))

	setState(t, b, StateRunning, StateFailed)
	outcome, failed := g.Outcome()
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "b", failed.ID())
	assert.Empty(t, g.Ready(), "c never starts after b failed")
}

func TestParallelGraphDispatchesAllAndSucceedsWhenAllSucceed(t *testing.T) {
	a, b := newFake("a", 1, 0), newFake("b", 1, 0)
	g := NewParallel(a, b)

	assert.ElementsMatch(t, []string{"a", "b"}, ids(g.Ready()))

	setState(t, a, StateRunning, StateSucceeded)
	outcome, _ := g.Outcome()
	assert.Equal(t, OutcomeRunning, outcome)

	setState(t, b, StateRunning, StateSucceeded)
	outcome, _ = g.Outcome()
	assert.Equal(t, OutcomeSucceeded, outcome)
}

func TestParallelGraphFailsFastOnFirstFailure(t *testing.T) {
	a, b, c := newFake("a", 1, 0), newFake("b", 1, 0), newFake("c", 1, 0)
	g := NewParallel(a, b, c)

	setState(t, a, StateRunning)
	setState(t, b, StateRunning, StateFailed)
	time.Sleep(2 * time.Millisecond)
	setState(t, c, StateRunning, StateFailed)

	outcome, failed := g.Outcome()
	assert.Equal(t, OutcomeFailed, outcome, "a still running does not delay the failure")
	assert.Equal(t, "b", failed.ID(), "the first failure is authoritative")
	assert.Empty(t, g.Ready())
}

func TestNestedGraphPathsAndPredecessors(t *testing.T) {
	count := newFake("count", 1, 0)
	base := newFake("export-base", 2, 1)
	ext := newFake("export-ext", 3, 1)
	g := NewSequential(count, NewParallel(NewSequential(base), ext))

	path, ok := g.Path("export-base")
	require.True(t, ok)
	assert.Equal(t, "executions[1].executions[0].executions[0]", path)
	path, _ = g.Path("export-ext")
	assert.Equal(t, "executions[1].executions[1]", path)

	assert.Equal(t, []string{"count"}, ids(g.Predecessors("export-ext")))
	assert.Equal(t, []string{"count"}, ids(g.Predecessors("export-base")))
	assert.Empty(t, g.Predecessors("count"))

	setState(t, count, StateRunning, StateSucceeded)
	assert.ElementsMatch(t, []string{"export-base", "export-ext"}, ids(g.Ready()))

	s, ok := g.Find("export-ext")
	require.True(t, ok)
	assert.Same(t, ext, s)
	assert.Equal(t, []string{"count", "export-base", "export-ext"}, ids(g.Steps()))
}

func TestAggregatedLoads(t *testing.T) {
	// seq[ count(db 1), par[ base(db 2, io 1), ext(db 3, io 1) ] ]
	g := NewSequential(
		newFake("count", 1, 0),
		NewParallel(newFake("base", 2, 1), newFake("ext", 3, 1)),
	)
	loads, err := g.AggregatedLoads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"db:primary": 5, "io": 2}, loadMap(loads))

	// Sequential children take the maximum
	g = NewSequential(newFake("a", 4, 0), newFake("b", 2, 3))
	loads, err = g.AggregatedLoads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"db:primary": 4, "io": 3}, loadMap(loads))
}

func TestAggregatedLoadsPropagatesStepErrors(t *testing.T) {
	broken := newFake("broken", 1, 0)
	broken.loadErr = errors.New("space not found")
	_, err := NewParallel(newFake("ok", 1, 0), broken).AggregatedLoads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestEstimatedSeconds(t *testing.T) {
	a, b, c := newFake("a", 0, 0), newFake("b", 0, 0), newFake("c", 0, 0)
	a.Seconds, b.Seconds, c.Seconds = 10, 30, 20
	g := NewSequential(a, NewParallel(b, c))
	assert.Equal(t, 40, g.EstimatedSeconds())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(40*time.Second), g.EstimatedEnd(now))
}

func TestValidateAndBindJob(t *testing.T) {
	g := NewParallel(newFake("a", 0, 0), newFake("a", 0, 0))
	assert.Error(t, g.Validate())

	g = NewSequential(newFake("a", 0, 0), NewParallel(newFake("b", 0, 0)))
	require.NoError(t, g.Validate())
	g.BindJob("job-7")
	for _, s := range g.Steps() {
		assert.Equal(t, "job-7", s.JobID())
		for _, out := range s.OutputSets() {
			assert.Equal(t, "job-7", out.JobID)
		}
	}
}

func TestEmptyGraphSucceeds(t *testing.T) {
	g := NewSequential()
	assert.True(t, g.IsEmpty())
	outcome, _ := g.Outcome()
	assert.Equal(t, OutcomeSucceeded, outcome)
	assert.Empty(t, g.Ready())
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()
	codec.RegisterType("Fake", func() Step { return &fakeStep{} })

	a := newFake("a", 1, 0)
	a.Desc = "count"
	a.Retry = RetryPolicy{MaxAttempts: 3}
	a.OutputSet = []string{"stats"}
	g := NewSequential(a, NewParallel(newFake("b", 2, 1), newFake("c", 3, 1)))

	data, err := codec.Marshal(g)
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.False(t, decoded.Parallel)
	require.Len(t, decoded.Children(), 2)
	assert.True(t, decoded.Children()[1].(*Graph).Parallel)

	s, ok := decoded.Find("a")
	require.True(t, ok)
	fa := s.(*fakeStep)
	assert.Equal(t, "count", fa.Description())
	assert.Equal(t, 3, fa.RetryPolicy().MaxAttempts)
	assert.Equal(t, 1.0, fa.DBUnits)
	assert.Equal(t, []string{"stats"}, fa.OutputSet)
	assert.Equal(t, StatePending, fa.Runtime().State())
}

func TestCodecRejectsUnknownTypes(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Unmarshal([]byte(`{"type":"StepGraph","executions":[{"type":"Nope","step":{}}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")

	_, err = codec.Unmarshal([]byte(`{"type":"Fake"}`))
	assert.Error(t, err)
}

func TestCodecRegisterDuplicatePanics(t *testing.T) {
	codec := NewCodec()
	codec.RegisterType("Fake", func() Step { return &fakeStep{} })
	assert.Panics(t, func() { codec.RegisterType("Fake", func() Step { return &fakeStep{} }) })
	assert.Panics(t, func() { codec.RegisterType(graphType, func() Step { return &fakeStep{} }) })
	assert.Equal(t, []string{"Fake"}, codec.Types())
}

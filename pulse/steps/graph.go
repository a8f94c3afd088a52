package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/resources"
)

// Node is a Step or a nested *Graph
type Node interface {
	node()
}

// Graph orders steps. Children of a sequential graph run one after another,
// each gated on the success of the previous one. Children of a parallel graph run together.
type Graph struct {
	Parallel bool
	children []Node
}

// NewSequential creates a sequential graph
func NewSequential(children ...Node) *Graph {
	return &Graph{children: children}
}

// NewParallel creates a parallel graph
func NewParallel(children ...Node) *Graph {
	return &Graph{Parallel: true, children: children}
}

func (g *Graph) node() {}

// Add appends a child
func (g *Graph) Add(n Node) *Graph {
	g.children = append(g.children, n)
	return g
}

// Children returns the direct children
func (g *Graph) Children() []Node {
	return g.children
}

// IsEmpty reports whether the graph contains no step at all
func (g *Graph) IsEmpty() bool {
	return len(g.Steps()) == 0
}

// Steps returns all steps depth-first
func (g *Graph) Steps() []Step {
	var out []Step
	g.walk("", func(s Step, _ string) { out = append(out, s) })
	return out
}

func (g *Graph) walk(prefix string, fn func(Step, string)) {
	for i, child := range g.children {
		path := fmt.Sprintf("%sexecutions[%d]", prefix, i)
		switch c := child.(type) {
		case *Graph:
			c.walk(path+".", fn)
		case Step:
			fn(c, path)
		}
	}
}

// Find returns the step with the given id
func (g *Graph) Find(id string) (Step, bool) {
	for _, s := range g.Steps() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Path renders the position of a step, e.g. executions[1].executions[0]
func (g *Graph) Path(id string) (string, bool) {
	var found string
	g.walk("", func(s Step, path string) {
		if s.ID() == id && found == "" {
			found = path
		}
	})
	return found, found != ""
}

// Paths maps every step id to its path
func (g *Graph) Paths() map[string]string {
	paths := make(map[string]string)
	g.walk("", func(s Step, path string) { paths[s.ID()] = path })
	return paths
}

// BindJob sets the job id on every step
func (g *Graph) BindJob(jobID string) {
	for _, s := range g.Steps() {
		s.base().SetJobID(jobID)
	}
}

// Validate checks that step ids are present and unique
func (g *Graph) Validate() error {
	seen := make(map[string]bool)
	for _, s := range g.Steps() {
		if s.ID() == "" {
			return errors.Newf("step of type %s has no id", s.Type())
		}
		if seen[s.ID()] {
			return errors.Newf("duplicate step id %s", s.ID())
		}
		seen[s.ID()] = true
	}
	return nil
}

// Ready returns the steps that may be dispatched now.
// Nothing is ready once the graph has failed or was cancelled.
func (g *Graph) Ready() []Step {
	if o, _ := g.Outcome(); o != OutcomeRunning {
		return nil
	}
	return g.ready()
}

func (g *Graph) ready() []Step {
	var out []Step
	for _, child := range g.children {
		outcome, _ := outcomeOf(child)
		if g.Parallel {
			if outcome == OutcomeRunning {
				out = append(out, readyOf(child)...)
			}
			continue
		}
		// Sequential: the first unfinished child gates everything after it
		switch outcome {
		case OutcomeSucceeded:
			continue
		case OutcomeRunning:
			return readyOf(child)
		default:
			return nil
		}
	}
	return out
}

func readyOf(n Node) []Step {
	switch c := n.(type) {
	case *Graph:
		return c.ready()
	case Step:
		if c.Runtime().State() == StatePending {
			return []Step{c}
		}
	}
	return nil
}

// Outcome summarizes the graph. For a failed graph it also returns the failed step
// that decided the outcome: the first one to finish.
func (g *Graph) Outcome() (Outcome, Step) {
	if g.Parallel {
		return g.parallelOutcome()
	}
	for _, child := range g.children {
		outcome, failed := outcomeOf(child)
		if outcome != OutcomeSucceeded {
			return outcome, failed
		}
	}
	return OutcomeSucceeded, nil
}

func (g *Graph) parallelOutcome() (Outcome, Step) {
	var (
		firstFailed Step
		running     bool
		cancelled   bool
	)
	for _, child := range g.children {
		outcome, failed := outcomeOf(child)
		switch outcome {
		case OutcomeFailed:
			if firstFailed == nil || finishedBefore(failed, firstFailed) {
				firstFailed = failed
			}
		case OutcomeRunning:
			running = true
		case OutcomeCancelled:
			cancelled = true
		}
	}
	switch {
	case firstFailed != nil:
		return OutcomeFailed, firstFailed
	case running:
		return OutcomeRunning, nil
	case cancelled:
		return OutcomeCancelled, nil
	}
	return OutcomeSucceeded, nil
}

func outcomeOf(n Node) (Outcome, Step) {
	switch c := n.(type) {
	case *Graph:
		return c.Outcome()
	case Step:
		outcome := OutcomeOf(c.Runtime().State())
		if outcome == OutcomeFailed {
			return outcome, c
		}
		return outcome, nil
	}
	return OutcomeSucceeded, nil
}

func finishedBefore(a, b Step) bool {
	ta, tb := a.Runtime().FinishedAt(), b.Runtime().FinishedAt()
	if ta == nil || tb == nil {
		return false
	}
	return ta.Before(*tb)
}

// Predecessors returns the steps that must succeed before the given step may run
func (g *Graph) Predecessors(id string) []Step {
	preds, _ := g.predecessors(id, nil)
	return preds
}

func (g *Graph) predecessors(id string, before []Step) ([]Step, bool) {
	acc := before
	for _, child := range g.children {
		switch c := child.(type) {
		case *Graph:
			if preds, ok := c.predecessors(id, acc); ok {
				return preds, true
			}
			if !g.Parallel {
				acc = append(acc, c.Steps()...)
			}
		case Step:
			if c.ID() == id {
				return acc, true
			}
			if !g.Parallel {
				acc = append(acc, c)
			}
		}
	}
	return nil, false
}

// AggregatedLoads is the peak demand of the graph per resource.
// Loads within a step add up, sequential children take the per-resource maximum
// and parallel children add up.
func (g *Graph) AggregatedLoads(ctx context.Context) ([]resources.Load, error) {
	merged := make(map[string]resources.Load)
	for _, child := range g.children {
		var loads []resources.Load
		switch c := child.(type) {
		case *Graph:
			sub, err := c.AggregatedLoads(ctx)
			if err != nil {
				return nil, err
			}
			loads = sub
		case Step:
			needed, err := c.NeededResources(ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "needed resources of step %s", c.ID())
			}
			loads = resources.Aggregate(needed, false)
		}
		resources.Merge(merged, loads, !g.Parallel)
	}
	return resources.Aggregate(mapValues(merged), false), nil
}

func mapValues(m map[string]resources.Load) []resources.Load {
	out := make([]resources.Load, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

// EstimatedSeconds sums sequential children and takes the longest parallel child
func (g *Graph) EstimatedSeconds() int {
	total := 0
	for _, child := range g.children {
		var secs int
		switch c := child.(type) {
		case *Graph:
			secs = c.EstimatedSeconds()
		case Step:
			secs = c.EstimatedSeconds()
		}
		if g.Parallel {
			if secs > total {
				total = secs
			}
			continue
		}
		total += secs
	}
	return total
}

// EstimatedEnd is now plus the estimated duration
func (g *Graph) EstimatedEnd(now time.Time) time.Time {
	return now.Add(time.Duration(g.EstimatedSeconds()) * time.Second)
}

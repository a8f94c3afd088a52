package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/teranos/hubjobs/errors"
)

type memTask struct {
	input    json.RawMessage
	state    string
	attempts int
}

type stepKey struct {
	jobID, stepID string
}

// Counter is an in-memory Store. Finalized tasks are tracked as a set,
// so duplicate and out-of-order finalize signals are harmless.
type Counter struct {
	mu    sync.Mutex
	steps map[stepKey]map[int]*memTask
}

// NewCounter creates an empty in-memory store
func NewCounter() *Counter {
	return &Counter{steps: make(map[stepKey]map[int]*memTask)}
}

func (c *Counter) Init(_ context.Context, jobID, stepID string, inputs []json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stepKey{jobID, stepID}
	tasks := c.steps[key]
	if tasks == nil {
		tasks = make(map[int]*memTask, len(inputs))
		c.steps[key] = tasks
	}
	for i, input := range inputs {
		if _, exists := tasks[i]; !exists {
			tasks[i] = &memTask{input: input, state: taskPending}
		}
	}
	return nil
}

func (c *Counter) NextPending(_ context.Context, jobID, stepID string, n int) ([]Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks := c.steps[stepKey{jobID, stepID}]
	var out []Task
	for _, id := range sortedIDs(tasks) {
		if len(out) >= n {
			break
		}
		task := tasks[id]
		if task.state != taskPending {
			continue
		}
		task.state = taskStarted
		out = append(out, Task{ID: id, Input: task.input, Attempts: task.attempts})
	}
	return out, nil
}

func (c *Counter) Finalize(_ context.Context, jobID, stepID string, taskID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.task(jobID, stepID, taskID)
	if err != nil {
		return err
	}
	task.state = taskFinalized
	return nil
}

func (c *Counter) Fail(_ context.Context, jobID, stepID string, taskID int, _ error, maxAttempts int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.task(jobID, stepID, taskID)
	if err != nil {
		return false, err
	}
	if task.state == taskFinalized {
		return false, nil
	}
	task.attempts++
	if task.attempts >= maxAttempts {
		task.state = taskFailed
		return true, nil
	}
	task.state = taskPending
	return false, nil
}

func (c *Counter) Progress(_ context.Context, jobID, stepID string) (TaskProgress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p TaskProgress
	for _, task := range c.steps[stepKey{jobID, stepID}] {
		p.Total++
		if task.state != taskPending {
			p.Started++
		}
		switch task.state {
		case taskFinalized:
			p.Finalized++
		case taskFailed:
			p.Failed++
		}
	}
	return p, nil
}

func (c *Counter) ResetStarted(_ context.Context, jobID, stepID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, task := range c.steps[stepKey{jobID, stepID}] {
		if task.state == taskStarted {
			task.state = taskPending
			n++
		}
	}
	return n, nil
}

func (c *Counter) Discard(_ context.Context, jobID, stepID string) error {
	c.mu.Lock()
	delete(c.steps, stepKey{jobID, stepID})
	c.mu.Unlock()
	return nil
}

func (c *Counter) task(jobID, stepID string, taskID int) (*memTask, error) {
	task, ok := c.steps[stepKey{jobID, stepID}][taskID]
	if !ok {
		return nil, errors.NewNotFoundError("task %d of step %s", taskID, stepID)
	}
	return task, nil
}

func sortedIDs(tasks map[int]*memTask) []int {
	ids := make([]int, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

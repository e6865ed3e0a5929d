// Package async runs independent query tasks on a bounded set of goroutines.
package async

import (
	"context"
	"sync"
)

type Task struct {
	Name    string
	Execute func(ctx context.Context) (any, error)
}

type Result struct {
	Name string
	Data any
	Err  error
}

// Pool bounds how many tasks of one Execute call run at once. It holds no
// goroutines between calls and is safe for concurrent use.
type Pool struct {
	workerCount int
}

func NewPool(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{workerCount: workerCount}
}

// Execute runs tasks and returns their results keyed by name. Tasks that
// never started because ctx ended report ctx.Err().
func (p *Pool) Execute(ctx context.Context, tasks []Task) map[string]Result {
	queue := make(chan Task)
	results := make(chan Result, len(tasks))

	workers := p.workerCount
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				data, err := task.Execute(ctx)
				results <- Result{Name: task.Name, Data: data, Err: err}
			}
		}()
	}

feed:
	for i, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
			for _, skipped := range tasks[i:] {
				results <- Result{Name: skipped.Name, Err: ctx.Err()}
			}
			break feed
		}
	}
	close(queue)
	wg.Wait()
	close(results)

	out := make(map[string]Result, len(tasks))
	for r := range results {
		out[r.Name] = r
	}
	return out
}

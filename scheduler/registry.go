package scheduler

import (
	"fmt"
	"sync"

	"github.com/c360studio/conductor/workflow"
)

// resultRegistry correlates result events to waiting dispatches. Entries are
// keyed by task id and attempt so a late result from a superseded attempt
// never satisfies a newer one.
type resultRegistry struct {
	mu      sync.Mutex
	pending map[string]chan workflow.ResultPayload
	acks    map[string]chan struct{}
}

func newResultRegistry() *resultRegistry {
	return &resultRegistry{
		pending: make(map[string]chan workflow.ResultPayload),
		acks:    make(map[string]chan struct{}),
	}
}

func resultKey(taskID string, attempt int) string {
	return fmt.Sprintf("%s|%d", taskID, attempt)
}

// register creates the completion and ack channels for one attempt.
func (r *resultRegistry) register(taskID string, attempt int) (<-chan workflow.ResultPayload, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := resultKey(taskID, attempt)
	resultCh := make(chan workflow.ResultPayload, 1)
	ackCh := make(chan struct{}, 1)
	r.pending[key] = resultCh
	r.acks[key] = ackCh
	return resultCh, ackCh
}

// unregister drops the attempt's channels; late deliveries are discarded.
func (r *resultRegistry) unregister(taskID string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := resultKey(taskID, attempt)
	delete(r.pending, key)
	delete(r.acks, key)
}

// deliver routes a result to its waiting attempt. Unknown keys are dropped;
// that happens for cancelled workflows and superseded attempts.
func (r *resultRegistry) deliver(result workflow.ResultPayload) bool {
	r.mu.Lock()
	ch, ok := r.pending[resultKey(result.TaskID, result.Attempt)]
	if ok {
		delete(r.pending, resultKey(result.TaskID, result.Attempt))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	return true
}

// ack marks the attempt as acknowledged by a worker.
func (r *resultRegistry) ack(taskID string, attempt int) {
	r.mu.Lock()
	ch, ok := r.acks[resultKey(taskID, attempt)]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Package scheduler owns workflow state and drives task graphs to completion
// under dependency, retry, and auto-branch rules. All state mutation happens
// inside Execute's drain loop or under the execution lock; external consumers
// observe via events or store snapshots.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/event"
	"github.com/c360studio/conductor/failure"
	"github.com/c360studio/conductor/workflow"
)

const source = "scheduler"

// Scheduler admits task graphs, executes workflows, and synthesizes repair
// branches on terminal task failure.
type Scheduler struct {
	cfg      Config
	bus      event.Bus
	store    StateStore
	registry *resultRegistry
	metrics  *Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
	sub       event.Subscription
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics attaches scheduler metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler and subscribes it to the results channel.
func New(cfg Config, bus event.Bus, store StateStore, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		registry:  newResultRegistry(),
		logger:    slog.Default().With("component", source),
		cancelled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	sub, err := bus.Subscribe(event.ChannelResults, s.onResultEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe results channel: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close stops result delivery. Running Execute calls will time out their
// in-flight tasks.
func (s *Scheduler) Close() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

// onResultEvent routes worker replies into the completion registry.
func (s *Scheduler) onResultEvent(_ context.Context, ev event.Event) {
	var res workflow.ResultPayload
	if err := ev.Decode(&res); err != nil {
		s.logger.Warn("undecodable result event", "event_id", ev.EventID, "error", err)
		return
	}

	switch ev.Type {
	case event.TypeTaskAck:
		s.registry.ack(res.TaskID, res.Attempt)
	case event.TypeTaskCompleted, event.TypeTaskFailed,
		event.TypeTestPassed, event.TypeTestFailed:
		if !s.registry.deliver(res) {
			s.logger.Debug("discarding result for unknown attempt",
				"task_id", res.TaskID, "attempt", res.Attempt)
		}
	}
}

// CreateWorkflow validates the graph and admits it as a new workflow in
// status created.
func (s *Scheduler) CreateWorkflow(ctx context.Context, g *workflow.TaskGraph) (*workflow.Workflow, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	corr := event.CorrelationFrom(ctx)
	if corr == "" {
		corr = event.NewCorrelationID()
	}

	wf := &workflow.Workflow{
		WorkflowID:     "wf-" + uuid.NewString(),
		GraphID:        g.GraphID,
		CorrelationID:  corr,
		CreatedAt:      time.Now().UTC(),
		Status:         workflow.WorkflowCreated,
		Tasks:          append([]workflow.Task(nil), g.Tasks...),
		TaskStates:     make(map[string]*workflow.TaskState, len(g.Tasks)),
		BranchCounters: make(map[string]int),
	}
	for _, t := range g.Tasks {
		wf.TaskStates[t.ID] = &workflow.TaskState{Status: workflow.StatusPending}
	}

	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}

	s.publish(ctx, event.ChannelWorkflow, event.TypeWorkflowCreated, wf, "", nil)
	s.logger.Info("workflow created",
		"workflow_id", wf.WorkflowID, "graph_id", g.GraphID, "tasks", len(g.Tasks))
	return wf, nil
}

// Cancel moves the workflow to cancelled. In-flight tasks finish but their
// results are discarded; no new tasks are dispatched.
func (s *Scheduler) Cancel(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	s.cancelled[workflowID] = true
	s.mu.Unlock()

	wf, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	wf.Status = workflow.WorkflowCancelled
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	s.publish(ctx, event.ChannelWorkflow, event.TypeWorkflowCancelled, wf, "", nil)
	s.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return nil
}

func (s *Scheduler) isCancelled(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[workflowID]
}

// taskOutcome is the terminal report of one runTask goroutine.
type taskOutcome struct {
	task    *workflow.Task
	attempt int
	result  *workflow.ResultPayload
	err     error

	// acceptance marks a re-run of the task's own acceptance checks after a
	// repair branch completed.
	acceptance bool
}

// execution is the per-Execute working set. The mutex guards wf and its task
// states; the graph has its own internal lock.
type execution struct {
	mu    sync.Mutex
	wf    *workflow.Workflow
	graph *workflow.DependencyGraph
	tasks map[string]*workflow.Task

	completed chan taskOutcome
	sem       chan struct{}
	inFlight  int
}

func (ex *execution) state(taskID string) *workflow.TaskState {
	return ex.wf.TaskStates[taskID]
}

// Execute drives the workflow to a terminal status. It blocks until every
// task is terminal or the context is cancelled.
func (s *Scheduler) Execute(ctx context.Context, workflowID string) error {
	wf, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != workflow.WorkflowCreated {
		return fmt.Errorf("workflow %s is %s, expected %s",
			workflowID, wf.Status, workflow.WorkflowCreated)
	}

	graph, err := workflow.NewDependencyGraph(wf.Tasks)
	if err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}

	wf.Status = workflow.WorkflowRunning
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	s.publish(ctx, event.ChannelWorkflow, event.TypeWorkflowStarted, wf, "", nil)

	ex := &execution{
		wf:        wf,
		graph:     graph,
		tasks:     make(map[string]*workflow.Task, len(wf.Tasks)),
		completed: make(chan taskOutcome),
		sem:       make(chan struct{}, s.cfg.WorkerPoolSize),
	}

	for _, t := range graph.ReadyTasks() {
		s.start(ctx, ex, t, false)
	}

	for ex.inFlight > 0 {
		out := <-ex.completed
		ex.inFlight--
		if s.metrics != nil {
			s.metrics.tasksInFlight.Dec()
		}
		if s.isCancelled(workflowID) {
			s.registry.unregister(out.task.ID, out.attempt)
			continue
		}
		s.handleOutcome(ctx, ex, out)
	}

	return s.finish(ctx, ex)
}

// start registers the task with the execution and launches its attempt loop.
// Caller must be the drain loop (or pre-loop setup); inFlight is not locked.
func (s *Scheduler) start(ctx context.Context, ex *execution, t *workflow.Task, acceptance bool) {
	if s.isCancelled(ex.wf.WorkflowID) {
		return
	}
	if !acceptance {
		st := ex.state(t.ID)
		if st == nil || st.Status != workflow.StatusPending {
			return
		}
	}

	ex.tasks[t.ID] = t
	ex.inFlight++
	if s.metrics != nil {
		s.metrics.tasksInFlight.Inc()
	}
	go func() {
		ex.sem <- struct{}{}
		defer func() { <-ex.sem }()
		ex.completed <- s.runTask(ctx, ex, t, acceptance)
	}()
}

// runTask drives the attempt loop for one task. Acceptance re-runs get a
// single attempt regardless of max_retries.
func (s *Scheduler) runTask(ctx context.Context, ex *execution, t *workflow.Task, acceptance bool) taskOutcome {
	maxAttempts := 1
	if !acceptance {
		maxAttempts = t.MaxRetries + 1
	}

	var last taskOutcome
	for i := 1; i <= maxAttempts; i++ {
		if i > 1 {
			s.setStatus(ctx, ex, t.ID, workflow.StatusRetrying)
			select {
			case <-time.After(s.retryBackoff(i)):
			case <-ctx.Done():
				return taskOutcome{task: t, err: ctx.Err(), acceptance: acceptance}
			}
		}

		attempt := s.beginAttempt(ctx, ex, t.ID)
		res, err := s.dispatchAndWait(ctx, ex, t, attempt, acceptance)
		last = taskOutcome{task: t, attempt: attempt, result: res, err: err, acceptance: acceptance}
		if err == nil && res.OK() {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}

// beginAttempt bumps the attempt counter and stamps the start time.
func (s *Scheduler) beginAttempt(ctx context.Context, ex *execution, taskID string) int {
	ex.mu.Lock()
	st := ex.state(taskID)
	st.Attempts++
	attempt := st.Attempts
	if st.StartedAt == nil {
		now := time.Now().UTC()
		st.StartedAt = &now
	}
	ex.mu.Unlock()
	s.save(ctx, ex)
	return attempt
}

// dispatchAndWait publishes the dispatch event and blocks on the completion
// registry until a result, the task timeout, or context cancellation. A
// timeout is returned as a synthetic failed result, not an error.
func (s *Scheduler) dispatchAndWait(ctx context.Context, ex *execution, t *workflow.Task, attempt int, acceptance bool) (*workflow.ResultPayload, error) {
	resultCh, ackCh := s.registry.register(t.ID, attempt)
	defer s.registry.unregister(t.ID, attempt)

	payload := workflow.DispatchPayload{
		CorrelationID: ex.wf.CorrelationID,
		WorkflowID:    ex.wf.WorkflowID,
		TaskID:        t.ID,
		Attempt:       attempt,
		Role:          t.Role,
		Title:         t.Title,
		Description:   t.Description,
		Acceptance:    t.Acceptance,
		Metadata:      t.Metadata,
	}
	if t.IsBranch() {
		payload.ParentTaskID = t.ParentID
		payload.FailureClass = t.BranchReason
		payload.FixHint = t.Metadata["fix_hint"]
	}
	if acceptance {
		payload.Role = workflow.RoleValidate
		payload.Description = "Re-run acceptance checks after repair."
	}

	ev, err := event.New(event.TypeTaskDispatch, source, ex.wf.CorrelationID, payload)
	if err != nil {
		return nil, fmt.Errorf("build dispatch event: %w", err)
	}
	ev.WorkflowID = ex.wf.WorkflowID
	ev.TaskID = t.ID

	s.setStatus(ctx, ex, t.ID, workflow.StatusDispatched)
	if err := s.bus.Publish(ctx, event.ChannelRequests, ev); err != nil {
		return nil, fmt.Errorf("publish dispatch: %w", err)
	}
	if s.metrics != nil {
		s.metrics.tasksDispatched.Inc()
	}
	s.logger.Info("task dispatched",
		"workflow_id", ex.wf.WorkflowID, "task_id", t.ID,
		"role", payload.Role, "attempt", attempt)

	timeout := time.NewTimer(t.Timeout())
	defer timeout.Stop()
	ackDeadline := time.NewTimer(s.cfg.AckTimeout)
	defer ackDeadline.Stop()

	for {
		select {
		case res := <-resultCh:
			return &res, nil
		case <-ackCh:
			s.setStatus(ctx, ex, t.ID, workflow.StatusRunning)
			ackCh = nil
		case <-ackDeadline.C:
			s.logger.Warn("no worker ack",
				"workflow_id", ex.wf.WorkflowID, "task_id", t.ID, "attempt", attempt)
			ackDeadline.Stop()
		case <-timeout.C:
			return &workflow.ResultPayload{
				CorrelationID: ex.wf.CorrelationID,
				WorkflowID:    ex.wf.WorkflowID,
				TaskID:        t.ID,
				Attempt:       attempt,
				Outcome:       workflow.OutcomeFailed,
				TimedOut:      true,
				Error:         fmt.Sprintf("no result within %s", t.Timeout()),
			}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleOutcome applies one terminal task outcome to workflow state. Runs only
// on the drain loop.
func (s *Scheduler) handleOutcome(ctx context.Context, ex *execution, out taskOutcome) {
	t := out.task

	if out.err != nil {
		s.failTerminally(ctx, ex, t, fmt.Sprintf("dispatch error: %v", out.err),
			failure.ClassUnknown)
		return
	}

	if out.result.OK() {
		switch {
		case out.acceptance:
			// The repaired parent passes its own acceptance; resume downstream.
			s.completeTask(ctx, ex, t, out.result)
		case t.IsBranch():
			s.completeTask(ctx, ex, t, out.result)
			parent := ex.tasks[t.ParentID]
			s.logger.Info("branch completed, re-running parent acceptance",
				"workflow_id", ex.wf.WorkflowID, "branch_id", t.ID, "parent_id", parent.ID)
			s.start(ctx, ex, parent, true)
		default:
			s.completeTask(ctx, ex, t, out.result)
		}
		return
	}

	// Failure after the attempt loop exhausted retries.
	res := out.result
	class := failure.Classify(res.Failures, res.Stderr, res.TimedOut)
	if s.metrics != nil {
		s.metrics.taskFailures.WithLabelValues(class).Inc()
	}

	ex.mu.Lock()
	st := ex.state(t.ID)
	st.Failures = append(st.Failures, res.Failures...)
	st.LastError = res.Error
	ex.mu.Unlock()

	parent := t
	if t.IsBranch() && !out.acceptance {
		// A failed branch counts against its parent's repair chain.
		s.setTerminal(ctx, ex, t.ID, workflow.StatusFailed, res.Error)
		ex.graph.MarkDone(t.ID)
		parent = ex.tasks[t.ParentID]
	}
	s.branchOrFail(ctx, ex, parent, class, res)
}

// completeTask marks a task completed and dispatches anything it unblocked.
func (s *Scheduler) completeTask(ctx context.Context, ex *execution, t *workflow.Task, res *workflow.ResultPayload) {
	ex.mu.Lock()
	st := ex.state(t.ID)
	st.ProducedArtifacts = append(st.ProducedArtifacts, res.Artifacts...)
	st.LastResult = res.Outcome
	st.LastError = ""
	ex.mu.Unlock()

	s.setTerminal(ctx, ex, t.ID, workflow.StatusCompleted, "")
	if s.metrics != nil {
		s.metrics.taskOutcomes.WithLabelValues(workflow.StatusCompleted).Inc()
	}

	for _, next := range ex.graph.MarkDone(t.ID) {
		s.start(ctx, ex, next, false)
	}
}

// branchOrFail synthesizes the next repair branch for the failing task, or
// fails it terminally when the depth budget is spent.
func (s *Scheduler) branchOrFail(ctx context.Context, ex *execution, parent *workflow.Task, class string, res *workflow.ResultPayload) {
	ex.mu.Lock()
	n := ex.wf.BranchCounters[parent.ID] + 1
	depth := parent.DebugDepth + n
	ex.mu.Unlock()

	if depth > s.cfg.MaxBranchDepth {
		s.failTerminally(ctx, ex, parent,
			fmt.Sprintf("repair depth %d exhausted: %s", s.cfg.MaxBranchDepth, res.Error), class)
		return
	}

	role := failure.RouteRole(class, parent.FailureRouting())
	summary := failure.Summarize(class, res.Failures, res.Stderr, "")

	branch := workflow.Task{
		ID:           fmt.Sprintf("%s_branch_%d", parent.ID, n),
		Title:        "Repair " + parent.Title,
		Description:  summary,
		Role:         role,
		Acceptance:   append([]workflow.AcceptanceCheck(nil), parent.Acceptance...),
		ParentID:     parent.ID,
		BranchReason: class,
		DebugDepth:   depth,
	}
	if class == failure.ClassTimeout {
		if hint, ok := failure.TimeoutHint(res.Stderr); ok {
			branch.Metadata = map[string]string{"fix_hint": hint}
		}
	}

	ex.mu.Lock()
	ex.wf.BranchCounters[parent.ID] = n
	ex.wf.Tasks = append(ex.wf.Tasks, branch)
	ex.wf.TaskStates[branch.ID] = &workflow.TaskState{Status: workflow.StatusPending}
	ex.state(parent.ID).Status = workflow.StatusRetrying
	ex.mu.Unlock()
	s.save(ctx, ex)

	bt := branch
	ex.graph.AddTask(&bt)
	if s.metrics != nil {
		s.metrics.branchesCreated.Inc()
	}
	s.logger.Info("branch task synthesized",
		"workflow_id", ex.wf.WorkflowID, "parent_id", parent.ID,
		"branch_id", branch.ID, "class", class, "role", role, "depth", depth)

	s.start(ctx, ex, &bt, false)
}

// failTerminally fails the task, blocks its downstream dependents, and
// escalates for human attention.
func (s *Scheduler) failTerminally(ctx context.Context, ex *execution, t *workflow.Task, reason, class string) {
	s.setTerminal(ctx, ex, t.ID, workflow.StatusFailed, reason)
	if s.metrics != nil {
		s.metrics.taskOutcomes.WithLabelValues(workflow.StatusFailed).Inc()
	}

	blocked := s.blockDependents(ctx, ex, t.ID)
	ex.graph.MarkDone(t.ID)
	for _, id := range blocked {
		ex.graph.MarkDone(id)
	}

	s.publish(ctx, event.ChannelApprovals, event.TypeWorkflowEscalated, ex.wf, t.ID,
		map[string]any{
			"task_id":       t.ID,
			"failure_class": class,
			"reason":        reason,
			"blocked_tasks": blocked,
		})
	s.logger.Error("task failed terminally",
		"workflow_id", ex.wf.WorkflowID, "task_id", t.ID,
		"class", class, "blocked", len(blocked))
}

// blockDependents marks all transitive dependents of taskID blocked and
// returns their IDs.
func (s *Scheduler) blockDependents(ctx context.Context, ex *execution, taskID string) []string {
	var blocked []string
	seen := map[string]bool{taskID: true}
	queue := ex.graph.Dependents(taskID)

	ex.mu.Lock()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if st := ex.state(id); st != nil && !st.Terminal() {
			st.Status = workflow.StatusBlocked
			blocked = append(blocked, id)
		}
		queue = append(queue, ex.graph.Dependents(id)...)
	}
	ex.mu.Unlock()
	s.save(ctx, ex)

	if s.metrics != nil {
		for range blocked {
			s.metrics.taskOutcomes.WithLabelValues(workflow.StatusBlocked).Inc()
		}
	}
	return blocked
}

// finish computes and persists the workflow's terminal status.
func (s *Scheduler) finish(ctx context.Context, ex *execution) error {
	ex.mu.Lock()
	status := workflow.WorkflowCompleted
	if s.isCancelled(ex.wf.WorkflowID) {
		status = workflow.WorkflowCancelled
	} else {
		for _, st := range ex.wf.TaskStates {
			if st.Status != workflow.StatusCompleted {
				status = workflow.WorkflowFailed
				break
			}
		}
	}
	ex.wf.Status = status
	ex.mu.Unlock()
	s.save(ctx, ex)

	if s.metrics != nil {
		s.metrics.workflowsTotal.WithLabelValues(status).Inc()
	}

	evType := event.TypeWorkflowCompleted
	switch status {
	case workflow.WorkflowFailed:
		evType = event.TypeWorkflowFailed
	case workflow.WorkflowCancelled:
		evType = event.TypeWorkflowCancelled
	}
	if status != workflow.WorkflowCancelled {
		// Cancel already announced the cancellation.
		s.publish(ctx, event.ChannelWorkflow, evType, ex.wf, "", nil)
	}

	s.logger.Info("workflow finished",
		"workflow_id", ex.wf.WorkflowID, "status", status)
	return nil
}

// setStatus applies a non-terminal status transition and persists it.
func (s *Scheduler) setStatus(ctx context.Context, ex *execution, taskID, status string) {
	ex.mu.Lock()
	ex.state(taskID).Status = status
	ex.mu.Unlock()
	s.save(ctx, ex)
}

// setTerminal applies a terminal transition, stamps the finish time, and
// emits an audit event.
func (s *Scheduler) setTerminal(ctx context.Context, ex *execution, taskID, status, lastError string) {
	now := time.Now().UTC()
	ex.mu.Lock()
	st := ex.state(taskID)
	st.Status = status
	st.FinishedAt = &now
	if lastError != "" {
		st.LastError = lastError
	}
	ex.mu.Unlock()
	s.save(ctx, ex)

	s.publish(ctx, event.ChannelAudit, event.TypeAuditTransition, ex.wf, taskID,
		map[string]string{"task_id": taskID, "status": status})
}

// save persists the current workflow snapshot; failures are logged, not
// fatal, because the in-memory state remains authoritative mid-run.
func (s *Scheduler) save(ctx context.Context, ex *execution) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := s.store.SaveWorkflow(ctx, ex.wf); err != nil {
		s.logger.Error("save workflow state",
			"workflow_id", ex.wf.WorkflowID, "error", err)
	}
}

func (s *Scheduler) retryBackoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoffBase
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	const maxBackoff = 30 * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Scheduler) publish(ctx context.Context, channel, eventType string, wf *workflow.Workflow, taskID string, payload any) {
	ev, err := event.New(eventType, source, wf.CorrelationID, payload)
	if err != nil {
		s.logger.Error("build event", "type", eventType, "error", err)
		return
	}
	ev.WorkflowID = wf.WorkflowID
	ev.TaskID = taskID
	if err := s.bus.Publish(ctx, channel, ev); err != nil {
		s.logger.Error("publish event", "type", eventType, "error", err)
	}
}

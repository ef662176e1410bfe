//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	atrace "trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// Execution defaults.
const (
	defaultChannelBufferSize     = 256
	defaultMaxSteps              = 100
	defaultStepTimeout           = 30 * time.Second
	defaultCheckpointSaveTimeout = 10 * time.Second
	defaultMaxConcurrency        = 16
)

// Executor runs a compiled graph through a superstep loop: plan the tasks
// triggered by channel updates, execute them concurrently, merge their
// results into the canonical state, and checkpoint. One executor serves
// many concurrent runs; all per-run state lives in the execution context
// created by Execute.
type Executor struct {
	graph                 *Graph
	channelBufferSize     int
	maxSteps              int
	stepTimeout           time.Duration
	nodeTimeout           time.Duration
	maxConcurrency        int
	failFast              bool
	checkpointSaveTimeout time.Duration
	checkpointManager     *CheckpointManager
	pool                  *ants.Pool

	subMu        sync.Mutex
	subExecutors map[string]*Executor
}

// ExecutorOptions contains configuration options for graph execution.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size of returned event channels
	// (default: 256).
	ChannelBufferSize int
	// MaxSteps caps the number of supersteps in one run (default: 100).
	MaxSteps int
	// StepTimeout bounds one superstep (default: 30s).
	StepTimeout time.Duration
	// NodeTimeout bounds a single node execution when the node declares no
	// timeout of its own. Zero means no limit.
	NodeTimeout time.Duration
	// MaxConcurrency caps the number of node functions running at once
	// across all runs of this executor (default: 16).
	MaxConcurrency int
	// FailFast cancels the remaining tasks of a superstep as soon as one
	// task fails. By default a failing task only fails the step after its
	// siblings finished.
	FailFast bool
	// CheckpointSaver persists checkpoints. Without a saver, runs cannot
	// suspend and resume across process boundaries.
	CheckpointSaver CheckpointSaver
	// CheckpointSaveTimeout bounds one checkpoint save (default: 10s).
	CheckpointSaveTimeout time.Duration
}

// ExecutorOption is a function that configures executor options.
type ExecutorOption func(*ExecutorOptions)

// WithChannelBufferSize sets the buffer size of returned event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxSteps sets the maximum number of supersteps in one run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithStepTimeout sets the timeout for one superstep.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.StepTimeout = timeout
	}
}

// WithNodeTimeout sets the default timeout for a single node execution.
// A timeout declared on the node itself takes precedence.
func WithNodeTimeout(timeout time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.NodeTimeout = timeout
	}
}

// WithMaxConcurrency caps the number of node functions running at once.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxConcurrency = n
	}
}

// WithFailFast cancels the sibling tasks of a superstep as soon as one
// task fails. Interrupts never trigger the cancellation.
func WithFailFast(failFast bool) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.FailFast = failFast
	}
}

// WithCheckpointSaver sets the saver that persists checkpoints.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithCheckpointSaveTimeout sets the timeout for one checkpoint save.
func WithCheckpointSaveTimeout(timeout time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaveTimeout = timeout
	}
}

// NewExecutor creates an executor for the given compiled graph.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, errors.New("graph must not be nil")
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	options := &ExecutorOptions{
		ChannelBufferSize:     defaultChannelBufferSize,
		MaxSteps:              defaultMaxSteps,
		StepTimeout:           defaultStepTimeout,
		MaxConcurrency:        defaultMaxConcurrency,
		CheckpointSaveTimeout: defaultCheckpointSaveTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	e := &Executor{
		graph:                 g,
		channelBufferSize:     options.ChannelBufferSize,
		maxSteps:              options.MaxSteps,
		stepTimeout:           options.StepTimeout,
		nodeTimeout:           options.NodeTimeout,
		maxConcurrency:        options.MaxConcurrency,
		failFast:              options.FailFast,
		checkpointSaveTimeout: options.CheckpointSaveTimeout,
	}
	if options.CheckpointSaver != nil {
		e.checkpointManager = NewCheckpointManager(options.CheckpointSaver)
	}
	pool, err := ants.NewPool(e.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Graph returns the compiled graph this executor runs.
func (e *Executor) Graph() *Graph { return e.graph }

// CheckpointManager returns the manager wrapping the configured saver, or
// nil when the executor runs without checkpointing.
func (e *Executor) CheckpointManager() *CheckpointManager { return e.checkpointManager }

// Close releases the executor's worker pool and the executors of its
// subgraph nodes. Runs started before Close finish on plain goroutines.
func (e *Executor) Close() {
	e.subMu.Lock()
	subs := e.subExecutors
	e.subExecutors = nil
	e.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	if e.pool != nil {
		e.pool.Release()
	}
}

// Task is one scheduled node execution within a superstep.
type Task struct {
	// NodeID is the node to execute.
	NodeID string
	// TaskID uniquely identifies this task instance.
	TaskID string
	// Input replaces the canonical state as the task's input when non-nil.
	Input State
	// Overlay is merged over the canonical state to form the task input.
	Overlay State
	// Writes are the static channel writes performed when the task completes.
	Writes []channelWriteEntry
	// Triggers are the channels whose updates scheduled this task.
	Triggers []string
	// TaskPath locates the task in nested executions.
	TaskPath []string
}

// ExecutionContext carries the mutable state of one run. Execute creates
// one per run; every task of the run shares it.
type ExecutionContext struct {
	// Graph is the compiled graph being executed.
	Graph *Graph
	// State is the canonical state, guarded by the state mutex.
	State State
	// EventChan receives execution events from every phase of the run.
	EventChan chan *event.Event
	// InvocationID identifies this run.
	InvocationID string
	// LineageID keys the run's checkpoint lineage.
	LineageID string
	// CheckpointNS is the checkpoint namespace ("" for the root graph).
	CheckpointNS string

	channels *channel.Manager

	stateMutex sync.RWMutex

	tasksMutex   sync.Mutex
	pendingTasks []*Task

	seenMutex    sync.Mutex
	versionsSeen map[string]map[string]int64

	writesMutex   sync.Mutex
	pendingWrites []PendingWrite
	writeSeq      int64

	stepCount            int64
	startStep            int
	resuming             bool
	scheduleEntry        bool
	clearResumeAfterStep bool
	parentCheckpointID   string
	updatedChannels      map[string]bool
	updatedMutex         sync.Mutex
}

// CurrentStep returns the superstep currently executing.
func (execCtx *ExecutionContext) CurrentStep() int {
	return int(atomic.LoadInt64(&execCtx.stepCount))
}

func (execCtx *ExecutionContext) setCurrentStep(step int) {
	atomic.StoreInt64(&execCtx.stepCount, int64(step))
}

// snapshotState returns a deep copy of the canonical state without
// runtime-only keys.
func (execCtx *ExecutionContext) snapshotState() State {
	execCtx.stateMutex.RLock()
	defer execCtx.stateMutex.RUnlock()
	return execCtx.State.deepCopy(false, nil)
}

// enqueueTasks appends tasks to the pending queue drained by the next
// planning phase.
func (execCtx *ExecutionContext) enqueueTasks(tasks ...*Task) {
	execCtx.tasksMutex.Lock()
	defer execCtx.tasksMutex.Unlock()
	execCtx.pendingTasks = append(execCtx.pendingTasks, tasks...)
}

// recordWrite appends one channel write to the pending writes persisted
// with the next checkpoint.
func (execCtx *ExecutionContext) recordWrite(taskID, channelName string, value any) {
	seq := atomic.AddInt64(&execCtx.writeSeq, 1)
	execCtx.writesMutex.Lock()
	defer execCtx.writesMutex.Unlock()
	execCtx.pendingWrites = append(execCtx.pendingWrites, PendingWrite{
		TaskID:   taskID,
		Channel:  channelName,
		Value:    value,
		Sequence: seq,
	})
}

// takeWrites drains and returns the pending writes of the current step.
func (execCtx *ExecutionContext) takeWrites() []PendingWrite {
	execCtx.writesMutex.Lock()
	defer execCtx.writesMutex.Unlock()
	writes := execCtx.pendingWrites
	execCtx.pendingWrites = nil
	return writes
}

// markUpdated records that a channel was written during the current step.
func (execCtx *ExecutionContext) markUpdated(channelName string) {
	execCtx.updatedMutex.Lock()
	defer execCtx.updatedMutex.Unlock()
	if execCtx.updatedChannels == nil {
		execCtx.updatedChannels = make(map[string]bool)
	}
	execCtx.updatedChannels[channelName] = true
}

// takeUpdated drains and returns the channels written during the current
// step, sorted.
func (execCtx *ExecutionContext) takeUpdated() []string {
	execCtx.updatedMutex.Lock()
	defer execCtx.updatedMutex.Unlock()
	updated := keysOfSet(execCtx.updatedChannels)
	execCtx.updatedChannels = nil
	return updated
}

// recordVersionSeen records that a node consumed a channel at the given
// version. The record is persisted in checkpoints.
func (execCtx *ExecutionContext) recordVersionSeen(nodeID, channelName string, version int64) {
	execCtx.seenMutex.Lock()
	defer execCtx.seenMutex.Unlock()
	if execCtx.versionsSeen == nil {
		execCtx.versionsSeen = make(map[string]map[string]int64)
	}
	seen, ok := execCtx.versionsSeen[nodeID]
	if !ok {
		seen = make(map[string]int64)
		execCtx.versionsSeen[nodeID] = seen
	}
	seen[channelName] = version
}

// Execute runs the graph from initialState and streams execution events.
// The returned channel closes when the run completes, fails, or suspends
// on an interrupt. invocationID tags every event of the run; pass "" to
// have one generated.
//
// With a checkpoint saver configured, initialState may address a prior run
// through the lineage/checkpoint config keys and carry a resume command
// under StateKeyCommand; the run then restores that checkpoint and
// continues instead of starting fresh.
func (e *Executor) Execute(
	ctx context.Context,
	initialState State,
	invocationID string,
) (<-chan *event.Event, error) {
	if initialState == nil {
		initialState = make(State)
	}
	if invocationID == "" {
		invocationID = uuid.New().String()
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	go e.run(ctx, initialState, invocationID, eventChan)
	return eventChan, nil
}

// run drives one graph execution and closes the event channel when done.
func (e *Executor) run(
	ctx context.Context,
	initialState State,
	invocationID string,
	eventChan chan *event.Event,
) {
	defer close(eventChan)
	_, _, _ = e.runInline(ctx, initialState, invocationID, eventChan)
}

// runInline drives one graph execution on the caller's goroutine without
// closing the event channel. It returns the final state on completion, or
// the state snapshot at suspension together with the *InterruptError.
func (e *Executor) runInline(
	ctx context.Context,
	initialState State,
	invocationID string,
	eventChan chan *event.Event,
) (State, string, error) {
	ctx, watcher := watchExternalInterrupt(ctx)
	defer watcher.stop()

	startTime := time.Now()
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.NewInvokeGraphSpanName(e.graph.Name()))
	defer span.End()

	execCtx, err := e.newExecutionContext(ctx, initialState, invocationID, eventChan)
	if err != nil {
		itelemetry.TraceAfterInvokeGraph(span, nil, false, err)
		e.emitRunError(ctx, eventChan, invocationID, -1, err)
		return nil, "", err
	}

	itelemetry.TraceBeforeInvokeGraph(span, &itelemetry.InvocationInfo{
		GraphName:    e.graph.Name(),
		InvocationID: invocationID,
		LineageID:    execCtx.LineageID,
		CheckpointNS: execCtx.CheckpointNS,
		Input:        extractStateKeys(initialState),
	})
	itelemetry.IncInvokeGraphRequestCnt(ctx, e.graph.Name(), execCtx.LineageID)

	finalState, err := e.executeGraph(ctx, execCtx, watcher, startTime)
	itelemetry.RecordInvokeGraphOperationDuration(
		ctx, e.graph.Name(), execCtx.LineageID, err, time.Since(startTime))

	if err != nil {
		if intr, ok := AsInterruptError(err); ok {
			// An interrupt is a terminal but resumable state, not a failure.
			itelemetry.TraceAfterInvokeGraph(span, intr.Value, true, nil)
			return execCtx.snapshotState(), execCtx.LineageID, intr
		}
		itelemetry.TraceAfterInvokeGraph(span, nil, false, err)
		e.emitRunError(ctx, eventChan, invocationID, execCtx.CurrentStep(), err)
		return nil, execCtx.LineageID, err
	}
	itelemetry.TraceAfterInvokeGraph(span, extractStateKeys(finalState), false, nil)
	return finalState, execCtx.LineageID, nil
}

// emitRunError surfaces a terminal execution failure on the event channel.
func (e *Executor) emitRunError(
	ctx context.Context,
	eventChan chan *event.Event,
	invocationID string,
	step int,
	err error,
) {
	log.Errorf("graph %s execution failed: %v", e.graph.Name(), err)
	evt := NewPregelErrorEvent(
		WithPregelEventInvocationID(invocationID),
		WithPregelEventStepNumber(step),
		WithPregelEventError(err.Error()),
	)
	if emitErr := event.EmitEvent(ctx, eventChan, evt); emitErr != nil {
		log.Errorf("emit error event: %v", emitErr)
	}
}

// executeGraph runs the superstep loop until no task is planned, a step
// fails, or an interrupt suspends the run. It returns the final state on
// normal completion.
func (e *Executor) executeGraph(
	ctx context.Context,
	execCtx *ExecutionContext,
	watcher *externalInterruptWatcher,
	startTime time.Time,
) (State, error) {
	if !execCtx.resuming && e.checkpointManager != nil {
		if err := e.saveCheckpoint(ctx, execCtx, CheckpointSourceInput, -1, nil, nil, nil); err != nil {
			return nil, fmt.Errorf("save input checkpoint: %w", err)
		}
	}

	for i := 0; i < e.maxSteps; i++ {
		step := execCtx.startStep + i
		execCtx.setCurrentStep(step)
		stepStart := time.Now()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.emitPregelPhase(ctx, execCtx, step, PregelPhasePlanning, nil)
		itelemetry.IncPregelStepCnt(ctx, e.graph.Name())

		tasks, err := e.planStep(execCtx, step)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			break
		}

		if intr := e.maybeStaticInterruptBefore(execCtx, tasks, step); intr != nil {
			return nil, e.handleInterrupt(ctx, execCtx, step, intr, frontierFromTasks(tasks))
		}
		if watcher.requested() {
			intr := newExternalInterruptError(false)
			intr.Step = step
			intr.NextNodes = uniqueSortedTaskNodes(tasks)
			return nil, e.handleInterrupt(ctx, execCtx, step, intr, frontierFromTasks(tasks))
		}

		report := newStepExecutionReport(e.graph.Schema())
		e.emitPregelPhase(ctx, execCtx, step, PregelPhaseExecution, tasks)

		if err := e.executeStep(ctx, execCtx, tasks, step, report); err != nil {
			if intr, ok := AsInterruptError(err); ok {
				intr.Step = step
				if len(intr.NextNodes) == 0 && !intr.SkipRerun {
					intr.NextNodes = report.incompleteNodes(tasks)
				}
				return nil, e.handleInterrupt(ctx, execCtx, step, intr, report.frontier(tasks))
			}
			if watcher.forced(ctx) {
				intr := newExternalInterruptError(true)
				intr.Step = step
				intr.NextNodes = report.incompleteNodes(tasks)
				return nil, e.handleInterrupt(ctx, execCtx, step, intr, report.frontier(tasks))
			}
			return nil, err
		}

		if execCtx.clearResumeAfterStep {
			// The single-value resume slot answers exactly one generation.
			execCtx.stateMutex.Lock()
			delete(execCtx.State, ResumeChannel)
			stateSize := len(execCtx.State)
			execCtx.stateMutex.Unlock()
			execCtx.clearResumeAfterStep = false
			e.emitEvent(ctx, execCtx, NewStateUpdateEvent(
				WithStateEventInvocationID(execCtx.InvocationID),
				WithStateEventRemovedKeys([]string{ResumeChannel}),
				WithStateEventStateSize(stateSize),
			))
		}

		updated := execCtx.takeUpdated()
		e.emitPregelUpdate(ctx, execCtx, step, stepStart, updated)

		if e.checkpointManager != nil {
			if err := e.saveCheckpoint(
				ctx, execCtx, CheckpointSourceLoop, step, nil, e.pendingFrontier(execCtx), updated,
			); err != nil {
				return nil, fmt.Errorf("save checkpoint after step %d: %w", step, err)
			}
		}

		if intr := e.maybeStaticInterruptAfter(tasks, step); intr != nil {
			return nil, e.handleInterrupt(ctx, execCtx, step, intr, nil)
		}
		if watcher.requested() {
			intr := newExternalInterruptError(false)
			intr.Step = step
			return nil, e.handleInterrupt(ctx, execCtx, step, intr, nil)
		}
	}

	if e.hasPlannableWork(execCtx) {
		return nil, fmt.Errorf("graph execution did not complete within %d steps", e.maxSteps)
	}

	finalState := execCtx.snapshotState()
	evt := NewGraphCompletionEvent(
		WithCompletionEventInvocationID(execCtx.InvocationID),
		WithCompletionEventFinalState(finalState),
		WithCompletionEventTotalSteps(execCtx.CurrentStep()-execCtx.startStep),
		WithCompletionEventTotalDuration(time.Since(startTime)),
	)
	if err := event.EmitEvent(ctx, execCtx.EventChan, evt); err != nil {
		return nil, fmt.Errorf("emit completion event: %w", err)
	}
	return finalState, nil
}

// hasPlannableWork reports whether pending tasks or available channels
// would plan more tasks, meaning the loop stopped on the step cap rather
// than quiescence.
func (e *Executor) hasPlannableWork(execCtx *ExecutionContext) bool {
	execCtx.tasksMutex.Lock()
	pending := len(execCtx.pendingTasks)
	execCtx.tasksMutex.Unlock()
	if pending > 0 {
		return true
	}
	for channelName := range e.graph.triggerToNodes {
		if ch, ok := execCtx.channels.GetChannel(channelName); ok && ch.IsAvailable() {
			return true
		}
	}
	return false
}

// planStep selects the tasks of one superstep. Tasks enqueued by fan-out
// commands or a resume frontier run first; otherwise tasks are planned from
// available channel triggers. Step zero of a fresh run schedules the entry
// point.
func (e *Executor) planStep(execCtx *ExecutionContext, step int) ([]*Task, error) {
	execCtx.tasksMutex.Lock()
	if len(execCtx.pendingTasks) > 0 {
		tasks := execCtx.pendingTasks
		execCtx.pendingTasks = nil
		execCtx.tasksMutex.Unlock()
		return tasks, nil
	}
	execCtx.tasksMutex.Unlock()

	if execCtx.scheduleEntry && step == execCtx.startStep {
		entry, ok := e.graph.Node(e.graph.EntryPoint())
		if !ok {
			return nil, NewGraphValidationError("entry point %s does not exist", e.graph.EntryPoint())
		}
		task := e.newTask(entry, nil, nil, []string{ChannelInputPrefix + Start}, step)
		return []*Task{task}, nil
	}
	return e.planFromChannelTriggers(execCtx, step), nil
}

// planFromChannelTriggers creates one task per node scheduled by an
// available channel, then acknowledges the consumed channels so one update
// triggers exactly one generation.
func (e *Executor) planFromChannelTriggers(execCtx *ExecutionContext, step int) []*Task {
	var tasks []*Task
	channelNames := make([]string, 0, len(e.graph.triggerToNodes))
	for channelName := range e.graph.triggerToNodes {
		channelNames = append(channelNames, channelName)
	}
	sort.Strings(channelNames)

	for _, channelName := range channelNames {
		ch, ok := execCtx.channels.GetChannel(channelName)
		if !ok || !ch.IsAvailable() {
			continue
		}
		version, _ := ch.Snapshot()
		for _, nodeID := range e.graph.triggerToNodes[channelName] {
			node, ok := e.graph.Node(nodeID)
			if !ok {
				continue
			}
			execCtx.recordVersionSeen(nodeID, channelName, version)
			tasks = append(tasks, e.newTask(node, nil, nil, []string{channelName}, step))
		}
		ch.Acknowledge()
	}
	return tasks
}

// newTask builds a task for one node execution.
func (e *Executor) newTask(node *Node, input, overlay State, triggers []string, step int) *Task {
	return &Task{
		NodeID:   node.ID,
		TaskID:   fmt.Sprintf("%s-%d-%s", node.ID, step, uuid.New().String()[:8]),
		Input:    input,
		Overlay:  overlay,
		Writes:   node.writers,
		Triggers: triggers,
		TaskPath: []string{node.ID},
	}
}

// executeStep runs every task of the superstep concurrently on the worker
// pool and waits for all of them. Interrupts win over other task errors so
// a fan-out generation suspends cleanly even when a sibling fails.
func (e *Executor) executeStep(
	ctx context.Context,
	execCtx *ExecutionContext,
	tasks []*Task,
	step int,
	report *stepExecutionReport,
) error {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	stepCtx, cancelStep := context.WithCancel(stepCtx)
	defer cancelStep()

	var wg sync.WaitGroup
	errChan := make(chan error, len(tasks))
	for _, t := range tasks {
		t := t
		wg.Add(1)
		runTask := func() {
			defer wg.Done()
			if err := e.executeSingleTask(stepCtx, execCtx, t, step, report); err != nil {
				errChan <- err
				if e.failFast && !IsInterruptError(err) {
					// Sibling tasks observe the cancellation through their
					// context; the step fails with the first error.
					cancelStep()
				}
			}
		}
		if err := e.pool.Submit(runTask); err != nil {
			// Pool exhausted or released: fall back to a plain goroutine so
			// the superstep still completes.
			go runTask()
		}
	}
	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if intr, ok := AsInterruptError(err); ok {
			return intr
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeSingleTask runs one node: build its input state, run the lifecycle
// callbacks and the node function, merge the result, and perform channel
// writes and routing.
func (e *Executor) executeSingleTask(
	ctx context.Context,
	execCtx *ExecutionContext,
	t *Task,
	step int,
	report *stepExecutionReport,
) error {
	node, ok := e.graph.Node(t.NodeID)
	if !ok {
		return &NodeError{NodeID: t.NodeID, TaskID: t.TaskID, Err: errors.New("node does not exist")}
	}

	startTime := time.Now()
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.NewExecuteNodeSpanName(t.NodeID))
	defer span.End()
	itelemetry.IncExecuteNodeRequestCnt(ctx, e.graph.Name(), t.NodeID, string(node.Type))

	taskState, err := e.buildTaskState(execCtx, t)
	if err != nil {
		return &NodeError{NodeID: t.NodeID, TaskID: t.TaskID, Err: err}
	}
	report.recordInput(t, taskState)

	e.emitNodeStart(ctx, execCtx, node, t, step, startTime, taskState)

	callbacks := mergeNodeCallbacks(e.globalCallbacks(execCtx), node.callbacks)
	callbackCtx := &NodeCallbackContext{
		NodeID:             node.ID,
		NodeName:           node.Name,
		NodeType:           node.Type,
		StepNumber:         step,
		ExecutionStartTime: startTime,
		InvocationID:       execCtx.InvocationID,
		TaskID:             t.TaskID,
	}

	result, err := e.runNodeWithCallbacks(ctx, execCtx, node, t, taskState, callbacks, callbackCtx)
	if err != nil {
		if intr, ok := AsInterruptError(err); ok {
			e.fillInterruptOrigin(intr, t, step)
			return intr
		}
		e.emitNodeError(ctx, execCtx, node, t, step, startTime, err)
		itelemetry.RecordExecuteNodeOperationDuration(
			ctx, e.graph.Name(), t.NodeID, string(node.Type), err, time.Since(startTime))
		itelemetry.TraceExecuteNode(span, e.nodeTaskInfo(execCtx, node, t, step), nil, err)
		return &NodeError{NodeID: t.NodeID, TaskID: t.TaskID, Err: err}
	}

	fanOut, err := e.handleNodeResult(ctx, execCtx, node, t, step, result)
	if err != nil {
		e.emitNodeError(ctx, execCtx, node, t, step, startTime, err)
		return err
	}
	if !fanOut {
		if err := e.processChannelWrites(ctx, execCtx, t, step); err != nil {
			return err
		}
	}
	if err := e.processConditionalEdges(ctx, execCtx, node, t, step); err != nil {
		if intr, ok := AsInterruptError(err); ok {
			e.fillInterruptOrigin(intr, t, step)
			return intr
		}
		e.emitNodeError(ctx, execCtx, node, t, step, startTime, err)
		return err
	}

	report.markCompleted(t)
	e.emitNodeComplete(ctx, execCtx, node, t, step, startTime, result)
	itelemetry.RecordExecuteNodeOperationDuration(
		ctx, e.graph.Name(), t.NodeID, string(node.Type), nil, time.Since(startTime))
	itelemetry.TraceExecuteNode(span, e.nodeTaskInfo(execCtx, node, t, step), result, nil)
	return nil
}

// fillInterruptOrigin stamps the raising task onto an interrupt when the
// node function did not.
func (e *Executor) fillInterruptOrigin(intr *InterruptError, t *Task, step int) {
	if intr.NodeID == "" {
		intr.NodeID = t.NodeID
	}
	if intr.TaskID == "" {
		intr.TaskID = t.TaskID
	}
	intr.Step = step
	if len(intr.NextNodes) == 0 && !intr.SkipRerun {
		intr.NextNodes = []string{t.NodeID}
	}
}

// nodeTaskInfo builds telemetry attributes for one task.
func (e *Executor) nodeTaskInfo(execCtx *ExecutionContext, node *Node, t *Task, step int) *itelemetry.NodeTaskInfo {
	trigger := ""
	if len(t.Triggers) > 0 {
		trigger = t.Triggers[0]
	}
	return &itelemetry.NodeTaskInfo{
		GraphName:    e.graph.Name(),
		InvocationID: execCtx.InvocationID,
		NodeID:       node.ID,
		NodeType:     string(node.Type),
		TaskID:       t.TaskID,
		Trigger:      trigger,
		Step:         step,
	}
}

// buildTaskState assembles the input state of one task: the task's own
// input when set, otherwise the canonical state with the task overlay
// merged, plus the runtime keys nodes use to reach the execution context.
func (e *Executor) buildTaskState(execCtx *ExecutionContext, t *Task) (State, error) {
	var taskState State
	if t.Input != nil {
		taskState = t.Input.deepCopy(false, nil)
		// Replayed tasks still need the resume values injected into the
		// canonical state after the interrupt they replay.
		execCtx.stateMutex.RLock()
		for _, key := range []string{ResumeChannel, StateKeyResumeMap} {
			if _, set := taskState[key]; set {
				continue
			}
			if value, ok := execCtx.State[key]; ok {
				taskState[key] = deepCopyAny(value)
			}
		}
		execCtx.stateMutex.RUnlock()
	} else {
		taskState = execCtx.snapshotState()
	}
	if t.Overlay != nil {
		merged, err := e.graph.Schema().ApplyUpdate(taskState, t.Overlay)
		if err != nil {
			return nil, err
		}
		taskState = merged
	}
	taskState[StateKeyExecContext] = execCtx
	taskState[StateKeyCurrentNodeID] = t.NodeID
	execCtx.stateMutex.RLock()
	if callbacks, ok := execCtx.State[StateKeyNodeCallbacks]; ok {
		taskState[StateKeyNodeCallbacks] = callbacks
	}
	execCtx.stateMutex.RUnlock()
	return taskState, nil
}

// globalCallbacks returns the run-level callbacks registered in the state.
func (e *Executor) globalCallbacks(execCtx *ExecutionContext) *NodeCallbacks {
	execCtx.stateMutex.RLock()
	defer execCtx.stateMutex.RUnlock()
	callbacks, _ := GetStateValue[*NodeCallbacks](execCtx.State, StateKeyNodeCallbacks)
	return callbacks
}

// runNodeWithCallbacks executes the node function wrapped in its lifecycle
// callbacks. A before callback returning a non-nil result short-circuits
// the node; an after callback may replace the result.
func (e *Executor) runNodeWithCallbacks(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	taskState State,
	callbacks *NodeCallbacks,
	callbackCtx *NodeCallbackContext,
) (any, error) {
	if callbacks != nil {
		customResult, err := callbacks.RunBeforeNode(ctx, callbackCtx, taskState)
		if err != nil {
			return nil, err
		}
		if customResult != nil {
			return customResult, nil
		}
	}

	result, err := e.executeNodeFunction(ctx, execCtx, node, t, taskState)
	if err != nil && callbacks != nil && !IsInterruptError(err) {
		callbacks.RunOnNodeError(ctx, callbackCtx, taskState, err)
	}

	if callbacks != nil && !IsInterruptError(err) {
		customResult, cbErr := callbacks.RunAfterNode(ctx, callbackCtx, taskState, result, err)
		if cbErr != nil {
			return nil, cbErr
		}
		if customResult != nil {
			return customResult, nil
		}
	}
	return result, err
}

// executeNodeFunction runs the node function with its timeout and retry
// policy. Interrupts are never retried.
func (e *Executor) executeNodeFunction(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	taskState State,
) (any, error) {
	if node.Type == NodeTypeSubgraph {
		return e.executeSubgraphNode(ctx, execCtx, node, t, taskState)
	}
	if node.Function == nil {
		return nil, errors.New("node has no function")
	}

	maxAttempts := 1
	if node.retryPolicy != nil && node.retryPolicy.MaxAttempts > 1 {
		maxAttempts = node.retryPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.runNodeOnce(ctx, node, taskState)
		if err == nil {
			return result, nil
		}
		if IsInterruptError(err) {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := node.retryPolicy.delayFor(attempt)
		e.emitNodeRetry(ctx, execCtx, node, t, attempt, maxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// runNodeOnce executes the node function once under the node timeout.
func (e *Executor) runNodeOnce(ctx context.Context, node *Node, taskState State) (any, error) {
	timeout := node.timeout
	if timeout <= 0 {
		timeout = e.nodeTimeout
	}
	if timeout <= 0 {
		return node.Function(ctx, taskState)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type nodeResult struct {
		result any
		err    error
	}
	done := make(chan nodeResult, 1)
	go func() {
		result, err := node.Function(nodeCtx, taskState)
		done <- nodeResult{result: result, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-nodeCtx.Done():
		return nil, fmt.Errorf("node %s timed out after %v: %w", node.ID, timeout, nodeCtx.Err())
	}
}

// handleNodeResult merges the node's result into the canonical state. It
// returns fanOut=true when the result carried its own routing (a command
// jump or a fan-out), which suppresses the node's static channel writes.
func (e *Executor) handleNodeResult(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	result any,
) (bool, error) {
	switch r := result.(type) {
	case nil:
		return false, nil
	case State:
		if err := e.updateState(ctx, execCtx, r); err != nil {
			return false, err
		}
		return false, nil
	case *Command:
		if r == nil {
			return false, nil
		}
		return e.handleCommandResult(ctx, execCtx, node, t, step, r)
	case []*Command:
		if len(r) == 0 {
			return false, nil
		}
		if err := e.enqueueCommandTasks(ctx, execCtx, node, t, step, r); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("node %s returned unsupported result type %T", t.NodeID, result)
	}
}

// updateState merges an update into the canonical state through the schema
// reducers and emits a state update event.
func (e *Executor) updateState(ctx context.Context, execCtx *ExecutionContext, update State) error {
	if len(update) == 0 {
		return nil
	}
	execCtx.stateMutex.Lock()
	merged, err := e.graph.Schema().ApplyUpdate(execCtx.State, update)
	if err != nil {
		execCtx.stateMutex.Unlock()
		return err
	}
	execCtx.State = merged
	stateSize := len(merged)
	execCtx.stateMutex.Unlock()

	e.emitEvent(ctx, execCtx, NewStateUpdateEvent(
		WithStateEventInvocationID(execCtx.InvocationID),
		WithStateEventUpdatedKeys(extractStateKeys(update)),
		WithStateEventStateSize(stateSize),
	))
	return nil
}

// handleCommandResult applies a single command: merge its update, then jump
// to its GoTo target if set. The jump suppresses static writes so the node
// routes exclusively through the command.
func (e *Executor) handleCommandResult(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	cmd *Command,
) (bool, error) {
	if cmd.Update != nil {
		if err := e.updateState(ctx, execCtx, cmd.Update); err != nil {
			return false, err
		}
	}
	if cmd.GoTo == "" {
		return false, nil
	}
	if cmd.GoTo == End {
		return true, nil
	}
	if _, ok := e.graph.Node(cmd.GoTo); !ok {
		return false, &NodeError{
			NodeID: t.NodeID,
			TaskID: t.TaskID,
			Err:    fmt.Errorf("command targets unknown node %s", cmd.GoTo),
		}
	}
	if e.graph.isJoinTarget(cmd.GoTo) {
		// Jumps into a join target count as one barrier arrival instead of
		// scheduling the target directly.
		e.writeChannel(ctx, execCtx, t, ChannelJoinPrefix+cmd.GoTo, t.NodeID, step)
		return true, nil
	}
	target, _ := e.graph.Node(cmd.GoTo)
	execCtx.enqueueTasks(e.newTask(target, nil, nil, []string{ChannelTriggerPrefix + cmd.GoTo}, step+1))
	return true, nil
}

// enqueueCommandTasks schedules one task per fan-out command for the next
// superstep. Each task's input is the canonical state overlaid with the
// command's update, so sibling tasks never see each other's input.
func (e *Executor) enqueueCommandTasks(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	cmds []*Command,
) error {
	tasks := make([]*Task, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd == nil {
			continue
		}
		targetID := cmd.GoTo
		if targetID == "" {
			targetID = t.NodeID
		}
		if targetID == End {
			if cmd.Update != nil {
				if err := e.updateState(ctx, execCtx, cmd.Update); err != nil {
					return err
				}
			}
			continue
		}
		target, ok := e.graph.Node(targetID)
		if !ok {
			return &NodeError{
				NodeID: t.NodeID,
				TaskID: t.TaskID,
				Err:    fmt.Errorf("command targets unknown node %s", targetID),
			}
		}
		var overlay State
		if cmd.Update != nil {
			overlay = cmd.Update.deepCopy(false, nil)
		}
		tasks = append(tasks, e.newTask(target, nil, overlay, []string{ChannelTriggerPrefix + targetID}, step+1))
	}
	if len(tasks) > 0 {
		execCtx.enqueueTasks(tasks...)
	}
	return nil
}

// processConditionalEdges evaluates the node's router, validates the
// decision against the declared candidate set, and performs the resulting
// channel writes and spawns. A target outside the candidate set aborts the
// run with a *RoutingError.
func (e *Executor) processConditionalEdges(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
) error {
	ce, ok := e.graph.ConditionalEdge(t.NodeID)
	if !ok {
		return nil
	}

	routerState := execCtx.snapshotState()
	routerState[StateKeyCurrentNodeID] = t.NodeID
	result, err := ce.Router(ctx, routerState)
	if err != nil {
		if IsInterruptError(err) {
			return err
		}
		return &NodeError{NodeID: t.NodeID, TaskID: t.TaskID, Err: fmt.Errorf("router failed: %w", err)}
	}
	if result == nil || result.End {
		return nil
	}

	for _, target := range result.Targets {
		if target == End {
			continue
		}
		if !ce.allows(target) {
			return &RoutingError{NodeID: t.NodeID, Target: target, Candidates: ce.Candidates}
		}
		e.routeToTarget(ctx, execCtx, t, target, step)
	}
	if len(result.Spawns) > 0 {
		for _, cmd := range result.Spawns {
			if cmd == nil || cmd.GoTo == "" {
				continue
			}
			if !ce.allows(cmd.GoTo) {
				return &RoutingError{NodeID: t.NodeID, Target: cmd.GoTo, Candidates: ce.Candidates}
			}
		}
		if err := e.enqueueCommandTasks(ctx, execCtx, node, t, step, result.Spawns); err != nil {
			return err
		}
	}
	return nil
}

// routeToTarget writes the channel that schedules target in the next
// superstep: the barrier channel when target is a join node (the write is
// one arrival), the branch channel otherwise.
func (e *Executor) routeToTarget(
	ctx context.Context,
	execCtx *ExecutionContext,
	t *Task,
	target string,
	step int,
) {
	if e.graph.isJoinTarget(target) {
		e.writeChannel(ctx, execCtx, t, ChannelJoinPrefix+target, t.NodeID, step)
		return
	}
	e.writeChannel(ctx, execCtx, t, ChannelBranchPrefix+target, channelUpdateMarker, step)
}

// processChannelWrites performs the node's static channel writes: trigger
// marks for plain edges and barrier arrivals for join edges.
func (e *Executor) processChannelWrites(
	ctx context.Context,
	execCtx *ExecutionContext,
	t *Task,
	step int,
) error {
	for _, write := range t.Writes {
		e.writeChannel(ctx, execCtx, t, write.Channel, write.Value, step)
	}
	return nil
}

// writeChannel updates one channel, records the write for checkpointing,
// and emits channel and barrier events.
func (e *Executor) writeChannel(
	ctx context.Context,
	execCtx *ExecutionContext,
	t *Task,
	channelName string,
	value any,
	step int,
) {
	ch, ok := execCtx.channels.GetChannel(channelName)
	if !ok {
		// Channels are pre-declared at compile time; a miss means a dynamic
		// jump created a route the graph never wired.
		ch = execCtx.channels.AddChannel(channelName, channel.TypeLastValue)
	}
	wasAvailable := ch.IsAvailable()
	ch.Update([]any{value})
	execCtx.recordWrite(t.TaskID, channelName, value)
	execCtx.markUpdated(channelName)

	valueCount := 1
	if ch.Type == channel.TypeTopic {
		if values, ok := ch.Get().([]any); ok {
			valueCount = len(values)
		}
	}
	e.emitEvent(ctx, execCtx, NewChannelUpdateEvent(
		WithChannelEventInvocationID(execCtx.InvocationID),
		WithChannelEventChannelName(channelName),
		WithChannelEventChannelType(ch.Type),
		WithChannelEventAvailable(ch.IsAvailable()),
		WithChannelEventValueCount(valueCount),
		WithChannelEventTriggeredNodes(e.graph.triggerToNodes[channelName]),
	))

	if ch.Type == channel.TypeBarrier {
		arrived := ch.Senders()
		e.emitEvent(ctx, execCtx, NewBarrierEvent(
			WithBarrierEventInvocationID(execCtx.InvocationID),
			WithBarrierEventChannel(channelName),
			WithBarrierEventNodeID(t.NodeID),
			WithBarrierEventArrived(arrived),
			WithBarrierEventExpected(ch.Expected),
			WithBarrierEventStepNumber(step),
		))
		if !wasAvailable && ch.IsAvailable() {
			log.Debugf("barrier %s complete: %v", channelName, arrived)
		}
	}
}

// emitEvent delivers an event without blocking the superstep: events are
// telemetry, and a stalled consumer must not stall the run.
func (e *Executor) emitEvent(ctx context.Context, execCtx *ExecutionContext, evt *event.Event) {
	select {
	case execCtx.EventChan <- evt:
	default:
	}
}

// emitPregelPhase emits a superstep lifecycle event.
func (e *Executor) emitPregelPhase(
	ctx context.Context,
	execCtx *ExecutionContext,
	step int,
	phase PregelPhase,
	tasks []*Task,
) {
	opts := []PregelEventOption{
		WithPregelEventInvocationID(execCtx.InvocationID),
		WithPregelEventStepNumber(step),
		WithPregelEventPhase(phase),
	}
	if len(tasks) > 0 {
		opts = append(opts,
			WithPregelEventTaskCount(len(tasks)),
			WithPregelEventActiveNodes(uniqueSortedTaskNodes(tasks)),
		)
	}
	e.emitEvent(ctx, execCtx, NewPregelStepEvent(opts...))
}

// emitPregelUpdate emits the update phase event carrying the channels
// written during the step.
func (e *Executor) emitPregelUpdate(
	ctx context.Context,
	execCtx *ExecutionContext,
	step int,
	stepStart time.Time,
	updatedChannels []string,
) {
	e.emitEvent(ctx, execCtx, NewPregelStepEvent(
		WithPregelEventInvocationID(execCtx.InvocationID),
		WithPregelEventStepNumber(step),
		WithPregelEventPhase(PregelPhaseUpdate),
		WithPregelEventStartTime(stepStart),
		WithPregelEventEndTime(time.Now()),
		WithPregelEventUpdatedChannels(updatedChannels),
	))
}

// emitNodeStart emits the node start event.
func (e *Executor) emitNodeStart(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	startTime time.Time,
	taskState State,
) {
	e.emitEvent(ctx, execCtx, NewNodeStartEvent(
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(node.ID),
		WithNodeEventNodeType(node.Type),
		WithNodeEventTaskID(t.TaskID),
		WithNodeEventStepNumber(step),
		WithNodeEventStartTime(startTime),
		WithNodeEventInputKeys(extractStateKeys(taskState)),
	))
}

// emitNodeComplete emits the node completion event.
func (e *Executor) emitNodeComplete(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	startTime time.Time,
	result any,
) {
	opts := []NodeEventOption{
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(node.ID),
		WithNodeEventNodeType(node.Type),
		WithNodeEventTaskID(t.TaskID),
		WithNodeEventStepNumber(step),
		WithNodeEventStartTime(startTime),
		WithNodeEventEndTime(time.Now()),
	}
	if update, ok := result.(State); ok {
		opts = append(opts, WithNodeEventOutputKeys(extractStateKeys(update)))
	}
	e.emitEvent(ctx, execCtx, NewNodeCompleteEvent(opts...))
}

// emitNodeError emits the node error event.
func (e *Executor) emitNodeError(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	step int,
	startTime time.Time,
	err error,
) {
	e.emitEvent(ctx, execCtx, NewNodeErrorEvent(
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(node.ID),
		WithNodeEventNodeType(node.Type),
		WithNodeEventTaskID(t.TaskID),
		WithNodeEventStepNumber(step),
		WithNodeEventStartTime(startTime),
		WithNodeEventEndTime(time.Now()),
		WithNodeEventError(err.Error()),
	))
}

// emitNodeRetry emits a node event announcing the next retry attempt.
func (e *Executor) emitNodeRetry(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	t *Task,
	attempt, maxAttempts int,
	delay time.Duration,
	err error,
) {
	e.emitEvent(ctx, execCtx, NewNodeErrorEvent(
		WithNodeEventInvocationID(execCtx.InvocationID),
		WithNodeEventNodeID(node.ID),
		WithNodeEventNodeType(node.Type),
		WithNodeEventTaskID(t.TaskID),
		WithNodeEventError(err.Error()),
		WithNodeEventAttempt(attempt),
		WithNodeEventMaxAttempts(maxAttempts),
		WithNodeEventNextDelay(delay),
		WithNodeEventRetrying(true),
	))
}


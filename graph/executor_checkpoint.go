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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// CheckpointMetaKeyPendingInputs is the metadata key under which a
// checkpoint persists the inputs of tasks that had been planned or spawned
// but not completed, so a resumed run can re-feed them exactly.
const CheckpointMetaKeyPendingInputs = "pending_inputs"

// frontierInputs captures how tasks of a suspended frontier are re-fed on
// resume: full replacement inputs for tasks that were already running, and
// sparse overlays for spawned tasks that never started.
type frontierInputs struct {
	// Inputs replace the canonical state as the task input, keyed by node.
	Inputs map[string]State `json:"inputs,omitempty"`
	// Overlays are merged over the canonical state, keyed by node.
	Overlays map[string]State `json:"overlays,omitempty"`
}

func (f *frontierInputs) empty() bool {
	return f == nil || (len(f.Inputs) == 0 && len(f.Overlays) == 0)
}

// frontierFromTasks captures the inputs of planned tasks that carry their
// own input or overlay. Tasks fed from the canonical state need nothing
// persisted.
func frontierFromTasks(tasks []*Task) *frontierInputs {
	frontier := &frontierInputs{}
	for _, t := range tasks {
		switch {
		case t.Input != nil:
			if frontier.Inputs == nil {
				frontier.Inputs = make(map[string]State)
			}
			frontier.Inputs[t.NodeID] = t.Input.deepCopy(false, nil)
		case t.Overlay != nil:
			if frontier.Overlays == nil {
				frontier.Overlays = make(map[string]State)
			}
			frontier.Overlays[t.NodeID] = t.Overlay.deepCopy(false, nil)
		}
	}
	if frontier.empty() {
		return nil
	}
	return frontier
}

// pendingFrontier captures the inputs of tasks already enqueued for the
// next superstep, so a checkpoint taken between steps can restore them.
func (e *Executor) pendingFrontier(execCtx *ExecutionContext) *frontierInputs {
	execCtx.tasksMutex.Lock()
	tasks := append([]*Task(nil), execCtx.pendingTasks...)
	execCtx.tasksMutex.Unlock()
	return frontierFromTasks(tasks)
}

// newExecutionContext prepares the per-run state: fresh from the initial
// state, or restored from a checkpoint when the initial state addresses a
// lineage with stored history.
func (e *Executor) newExecutionContext(
	ctx context.Context,
	initialState State,
	invocationID string,
	eventChan chan *event.Event,
) (*ExecutionContext, error) {
	lineageID, _ := GetStateValue[string](initialState, CfgKeyLineageID)
	if lineageID == "" {
		lineageID, _ = GetStateValue[string](initialState, CfgKeyThreadID)
	}
	checkpointNS, _ := GetStateValue[string](initialState, CfgKeyCheckpointNS)
	checkpointID, _ := GetStateValue[string](initialState, CfgKeyCheckpointID)
	command, _ := GetStateValue[*Command](initialState, StateKeyCommand)

	userState := initialState.Clone()
	delete(userState, CfgKeyLineageID)
	delete(userState, CfgKeyThreadID)
	delete(userState, CfgKeyCheckpointNS)
	delete(userState, CfgKeyCheckpointID)
	delete(userState, StateKeyCommand)

	execCtx := &ExecutionContext{
		Graph:         e.graph,
		EventChan:     eventChan,
		InvocationID:  invocationID,
		LineageID:     lineageID,
		CheckpointNS:  checkpointNS,
		channels:      channel.NewManager(),
		versionsSeen:  make(map[string]map[string]int64),
		scheduleEntry: true,
	}
	for _, spec := range e.graph.channelSpecs {
		if spec.Type == channel.TypeBarrier {
			execCtx.channels.AddBarrierChannel(spec.Name, spec.Expected)
			continue
		}
		execCtx.channels.AddChannel(spec.Name, spec.Type)
	}

	if e.checkpointManager == nil {
		if command != nil || checkpointID != "" {
			return nil, errors.New("resuming a run requires a checkpoint saver")
		}
		if execCtx.LineageID == "" {
			execCtx.LineageID = uuid.New().String()
		}
		state, err := e.initialStateFromUser(userState)
		if err != nil {
			return nil, err
		}
		execCtx.State = state
		return execCtx, nil
	}

	var tuple *CheckpointTuple
	if lineageID != "" {
		config := CreateCheckpointConfig(lineageID, checkpointID, checkpointNS)
		var err error
		tuple, err = e.checkpointManager.Saver().GetTuple(ctx, config)
		if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if checkpointID != "" && (tuple == nil || tuple.Checkpoint == nil) {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrCheckpointNotFound)
		}
	}

	if tuple == nil || tuple.Checkpoint == nil {
		if command != nil {
			return nil, fmt.Errorf("resume lineage %q: %w", lineageID, ErrCheckpointNotFound)
		}
		if execCtx.LineageID == "" {
			execCtx.LineageID = uuid.New().String()
		}
		state, err := e.initialStateFromUser(userState)
		if err != nil {
			return nil, err
		}
		execCtx.State = state
		return execCtx, nil
	}

	if err := e.restoreExecutionContext(execCtx, tuple, userState, command); err != nil {
		return nil, err
	}
	return execCtx, nil
}

// initialStateFromUser validates the caller's initial state against the
// schema and fills declared defaults.
func (e *Executor) initialStateFromUser(userState State) (State, error) {
	schema := e.graph.Schema()
	state, err := schema.ApplyUpdate(schema.ApplyDefaults(make(State)), userState)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// restoreExecutionContext rebuilds the run from a checkpoint tuple: state,
// channel versions and availability, barrier sender sets, the consumed
// version ledger, and the frontier of tasks to re-run.
func (e *Executor) restoreExecutionContext(
	execCtx *ExecutionContext,
	tuple *CheckpointTuple,
	userState State,
	command *Command,
) error {
	ckpt := tuple.Checkpoint
	execCtx.resuming = true
	execCtx.scheduleEntry = false
	execCtx.parentCheckpointID = ckpt.ID
	execCtx.startStep = checkpointStep(tuple) + 1
	if execCtx.startStep < 0 {
		execCtx.startStep = 0
	}

	state, err := e.restoreStateFromCheckpoint(ckpt)
	if err != nil {
		return err
	}

	if len(userState) > 0 {
		merged, err := e.graph.Schema().ApplyUpdate(state, userState)
		if err != nil {
			return err
		}
		state = merged
	}
	state, err = applyResumeCommand(e.graph.Schema(), state, command)
	if err != nil {
		return err
	}
	if _, injected := state[ResumeChannel]; injected {
		execCtx.clearResumeAfterStep = true
	}
	execCtx.State = state

	nextSet := make(map[string]bool, len(ckpt.NextChannels))
	for _, name := range ckpt.NextChannels {
		nextSet[name] = true
	}
	for name, version := range ckpt.ChannelVersions {
		ch, ok := execCtx.channels.GetChannel(name)
		if !ok {
			ch = execCtx.channels.AddChannel(name, channel.TypeLastValue)
		}
		ch.Restore(version, nextSet[name])
	}
	for name, senders := range ckpt.BarrierSets {
		if ch, ok := execCtx.channels.GetChannel(name); ok {
			ch.RestoreBarrier(senders)
		}
	}
	for nodeID, seen := range ckpt.VersionsSeen {
		for channelName, version := range seen {
			execCtx.recordVersionSeen(nodeID, channelName, version)
		}
	}

	frontier, err := e.decodeFrontier(tuple.Metadata)
	if err != nil {
		return err
	}
	e.enqueueFrontierTasks(execCtx, ckpt, frontier)

	if ckpt.InterruptState == nil && !e.hasPlannableWork(execCtx) {
		// The lineage finished; a new invocation on it starts over from the
		// entry point with the restored state as its base.
		execCtx.scheduleEntry = true
	}
	return nil
}

// enqueueFrontierTasks turns the checkpoint's NextNodes into pending tasks.
// Nodes whose trigger channels are available are left to channel planning
// so they are not scheduled twice.
func (e *Executor) enqueueFrontierTasks(
	execCtx *ExecutionContext,
	ckpt *Checkpoint,
	frontier *frontierInputs,
) {
	for _, nodeID := range ckpt.NextNodes {
		node, ok := e.graph.Node(nodeID)
		if !ok {
			log.Warnf("checkpoint frontier names unknown node %s, skipping", nodeID)
			continue
		}
		if e.anyTriggerAvailable(execCtx, node) {
			continue
		}
		var input, overlay State
		if frontier != nil {
			input = frontier.Inputs[nodeID]
			overlay = frontier.Overlays[nodeID]
		}
		task := e.newTask(node, input, overlay, []string{ChannelTriggerPrefix + nodeID}, execCtx.startStep)
		execCtx.enqueueTasks(task)
	}
}

// anyTriggerAvailable reports whether any channel that triggers the node is
// currently available.
func (e *Executor) anyTriggerAvailable(execCtx *ExecutionContext, node *Node) bool {
	for _, channelName := range node.triggers {
		if ch, ok := execCtx.channels.GetChannel(channelName); ok && ch.IsAvailable() {
			return true
		}
	}
	return false
}

// applyResumeCommand injects the resume command into the restored state:
// state updates merge through the reducers, resume values go to the resume
// slots consumed by Interrupt.
func applyResumeCommand(schema *StateSchema, state State, command *Command) (State, error) {
	if command == nil {
		return state, nil
	}
	if command.Update != nil {
		merged, err := schema.ApplyUpdate(state, command.Update)
		if err != nil {
			return nil, err
		}
		state = merged
	}
	if command.Resume != nil {
		state[ResumeChannel] = command.Resume
	}
	if len(command.ResumeMap) > 0 {
		resumeMap, _ := state[StateKeyResumeMap].(map[string]any)
		if resumeMap == nil {
			resumeMap = make(map[string]any, len(command.ResumeMap))
		}
		for key, value := range command.ResumeMap {
			resumeMap[key] = value
		}
		state[StateKeyResumeMap] = resumeMap
	}
	return state, nil
}

// checkpointStep returns the superstep recorded for the checkpoint.
func checkpointStep(tuple *CheckpointTuple) int {
	if tuple.Metadata != nil {
		return tuple.Metadata.Step
	}
	if tuple.Checkpoint != nil && tuple.Checkpoint.InterruptState != nil {
		return tuple.Checkpoint.InterruptState.Step
	}
	return -1
}

// restoreStateFromCheckpoint rebuilds the canonical state from persisted
// channel values, coercing JSON-decoded values back to the declared field
// types.
func (e *Executor) restoreStateFromCheckpoint(ckpt *Checkpoint) (State, error) {
	schema := e.graph.Schema()
	state := schema.ApplyDefaults(make(State))
	fields := schema.FieldMap()
	for key, value := range ckpt.ChannelValues {
		if isUnsafeStateKey(key) {
			continue
		}
		field, declared := fields[key]
		if !declared {
			if isInternalStateKey(key) {
				state[key] = deepCopyAny(value)
			}
			continue
		}
		coerced, err := coerceToFieldType(value, field.Type)
		if err != nil {
			return nil, fmt.Errorf("restore state field %q: %w", key, err)
		}
		state[key] = coerced
	}
	return state, nil
}

// coerceToFieldType converts a persisted value back to the declared field
// type through a JSON round trip when direct assignment is impossible.
func coerceToFieldType(value any, fieldType reflect.Type) (any, error) {
	if value == nil || fieldType == nil {
		return value, nil
	}
	if reflect.TypeOf(value).AssignableTo(fieldType) {
		return deepCopyAny(value), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	target := reflect.New(fieldType)
	if err := json.Unmarshal(raw, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

// decodeFrontier extracts persisted frontier inputs from checkpoint
// metadata, coercing declared fields back to their schema types.
func (e *Executor) decodeFrontier(meta *CheckpointMetadata) (*frontierInputs, error) {
	if meta == nil || meta.Extra == nil {
		return nil, nil
	}
	raw, ok := meta.Extra[CheckpointMetaKeyPendingInputs]
	if !ok || raw == nil {
		return nil, nil
	}
	// The value is either the in-memory struct or, after a save/load round
	// trip, its JSON decoding.
	if frontier, ok := raw.(*frontierInputs); ok {
		return frontier, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frontier inputs: %w", err)
	}
	frontier := &frontierInputs{}
	if err := json.Unmarshal(data, frontier); err != nil {
		return nil, fmt.Errorf("decode frontier inputs: %w", err)
	}
	fields := e.graph.Schema().FieldMap()
	coerceFrontierStates(frontier.Inputs, fields)
	coerceFrontierStates(frontier.Overlays, fields)
	return frontier, nil
}

// coerceFrontierStates converts declared fields of persisted task states
// back to their schema types in place.
func coerceFrontierStates(states map[string]State, fields map[string]StateField) {
	for nodeID, state := range states {
		for key, value := range state {
			field, declared := fields[key]
			if !declared {
				continue
			}
			coerced, err := coerceToFieldType(value, field.Type)
			if err != nil {
				log.Warnf("coerce frontier field %q for node %s: %v", key, nodeID, err)
				continue
			}
			state[key] = coerced
		}
	}
}

// checkpointChannelValues snapshots the persistable state: everything but
// runtime-only keys.
func (execCtx *ExecutionContext) checkpointChannelValues() map[string]any {
	execCtx.stateMutex.RLock()
	defer execCtx.stateMutex.RUnlock()
	values := make(map[string]any, len(execCtx.State))
	for key, value := range execCtx.State {
		if isUnsafeStateKey(key) {
			continue
		}
		values[key] = deepCopyAny(value)
	}
	return values
}

// versionsSeenSnapshot copies the consumed-version ledger.
func (execCtx *ExecutionContext) versionsSeenSnapshot() map[string]map[string]int64 {
	execCtx.seenMutex.Lock()
	defer execCtx.seenMutex.Unlock()
	out := make(map[string]map[string]int64, len(execCtx.versionsSeen))
	for nodeID, seen := range execCtx.versionsSeen {
		inner := make(map[string]int64, len(seen))
		for channelName, version := range seen {
			inner[channelName] = version
		}
		out[nodeID] = inner
	}
	return out
}

// buildCheckpoint snapshots the run: state, channel versions and
// availability, barrier sender sets, and the frontier that the next
// superstep would plan.
func (e *Executor) buildCheckpoint(execCtx *ExecutionContext, updatedChannels []string) *Checkpoint {
	versions := make(map[string]int64)
	barrierSets := make(map[string][]string)
	var nextChannels []string
	for name, ch := range execCtx.channels.GetAllChannels() {
		version, available := ch.Snapshot()
		versions[name] = version
		if available {
			nextChannels = append(nextChannels, name)
		}
		if ch.Type == channel.TypeBarrier {
			if senders := ch.Senders(); len(senders) > 0 {
				barrierSets[name] = senders
			}
		}
	}
	sort.Strings(nextChannels)

	ckpt := NewCheckpoint(
		execCtx.checkpointChannelValues(),
		versions,
		execCtx.versionsSeenSnapshot(),
	)
	ckpt.NextChannels = nextChannels
	ckpt.UpdatedChannels = updatedChannels
	if len(barrierSets) > 0 {
		ckpt.BarrierSets = barrierSets
	}
	ckpt.NextNodes = e.frontierNodes(execCtx, nextChannels)
	return ckpt
}

// frontierNodes lists the nodes the next superstep would run: nodes
// triggered by available channels plus nodes of already-enqueued tasks.
func (e *Executor) frontierNodes(execCtx *ExecutionContext, nextChannels []string) []string {
	set := make(map[string]bool)
	for _, channelName := range nextChannels {
		for _, nodeID := range e.graph.triggerToNodes[channelName] {
			set[nodeID] = true
		}
	}
	execCtx.tasksMutex.Lock()
	for _, t := range execCtx.pendingTasks {
		set[t.NodeID] = true
	}
	execCtx.tasksMutex.Unlock()
	return keysOfSet(set)
}

// saveCheckpoint builds and persists a checkpoint together with the step's
// pending writes. For interrupts it also records the interrupt state and
// overrides the frontier with the interrupt's resume set.
func (e *Executor) saveCheckpoint(
	ctx context.Context,
	execCtx *ExecutionContext,
	source string,
	step int,
	intr *InterruptError,
	frontier *frontierInputs,
	updatedChannels []string,
) error {
	if e.checkpointManager == nil {
		return nil
	}
	saveStart := time.Now()
	// Checkpoints must land even when the run's context is being canceled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.checkpointSaveTimeout)
	defer cancel()

	ckpt := e.buildCheckpoint(execCtx, updatedChannels)
	if intr != nil {
		ckpt.InterruptState = &InterruptState{
			NodeID: intr.NodeID,
			TaskID: intr.TaskID,
			Key:    intr.Key,
			Value:  intr.Value,
			Step:   intr.Step,
		}
		if len(intr.NextNodes) > 0 {
			ckpt.NextNodes = append([]string(nil), intr.NextNodes...)
		}
	}

	meta := NewCheckpointMetadata(source, step)
	if execCtx.parentCheckpointID != "" {
		ckpt.ParentCheckpointID = execCtx.parentCheckpointID
		meta.Parents[execCtx.CheckpointNS] = execCtx.parentCheckpointID
	}
	if !frontier.empty() {
		meta.Extra[CheckpointMetaKeyPendingInputs] = frontier
	}

	writes := execCtx.takeWrites()
	config := CreateCheckpointConfig(execCtx.LineageID, execCtx.parentCheckpointID, execCtx.CheckpointNS)
	if _, err := e.checkpointManager.Saver().PutFull(saveCtx, PutFullRequest{
		Config:        config,
		Checkpoint:    ckpt,
		Metadata:      meta,
		NewVersions:   ckpt.ChannelVersions,
		PendingWrites: writes,
	}); err != nil {
		return err
	}
	execCtx.parentCheckpointID = ckpt.ID

	itelemetry.IncCheckpointPutCnt(ctx, checkpointBackend(e.checkpointManager.Saver()), source)
	itelemetry.TraceCheckpoint(
		oteltrace.SpanFromContext(ctx), execCtx.LineageID, ckpt.ID, execCtx.CheckpointNS)

	e.emitCheckpointEvent(ctx, execCtx, source, step, ckpt.ID, time.Since(saveStart), len(writes))
	return nil
}

// emitCheckpointEvent emits the lifecycle event matching the checkpoint
// source: created for the initial snapshot, committed for post-step saves.
// Interrupt checkpoints are announced by handleInterrupt instead.
func (e *Executor) emitCheckpointEvent(
	ctx context.Context,
	execCtx *ExecutionContext,
	source string,
	step int,
	checkpointID string,
	duration time.Duration,
	writesCount int,
) {
	if source == CheckpointSourceInterrupt {
		return
	}
	opts := []CheckpointEventOption{
		WithCheckpointEventInvocationID(execCtx.InvocationID),
		WithCheckpointEventLineageID(execCtx.LineageID),
		WithCheckpointEventNamespace(execCtx.CheckpointNS),
		WithCheckpointEventCheckpointID(checkpointID),
		WithCheckpointEventSource(source),
		WithCheckpointEventStep(step),
		WithCheckpointEventDuration(duration),
		WithCheckpointEventWritesCount(writesCount),
	}
	if source == CheckpointSourceLoop {
		e.emitEvent(ctx, execCtx, NewCheckpointCommittedEvent(opts...))
		return
	}
	e.emitEvent(ctx, execCtx, NewCheckpointCreatedEvent(opts...))
}

// handleInterrupt suspends the run: persist an interrupt checkpoint so it
// can resume, announce the interrupt on the event channel, and surface the
// interrupt as the run's terminal state.
func (e *Executor) handleInterrupt(
	ctx context.Context,
	execCtx *ExecutionContext,
	step int,
	intr *InterruptError,
	frontier *frontierInputs,
) error {
	itelemetry.IncInterruptCnt(ctx, e.graph.Name(), intr.NodeID)
	updated := execCtx.takeUpdated()

	if e.checkpointManager != nil {
		if err := e.saveCheckpoint(ctx, execCtx, CheckpointSourceInterrupt, step, intr, frontier, updated); err != nil {
			// Without the checkpoint the interrupt cannot be resumed, so the
			// run fails instead of suspending.
			return fmt.Errorf("save interrupt checkpoint: %w", err)
		}
	}

	interruptEvt := NewPregelInterruptEvent(
		WithPregelEventInvocationID(execCtx.InvocationID),
		WithPregelEventStepNumber(step),
		WithPregelEventNodeID(intr.NodeID),
		WithPregelEventInterruptValue(intr.Value),
	)
	if err := event.EmitEvent(ctx, execCtx.EventChan, interruptEvt); err != nil {
		log.Errorf("emit interrupt event: %v", err)
	}
	if e.checkpointManager != nil {
		checkpointEvt := NewCheckpointInterruptEvent(
			WithCheckpointEventInvocationID(execCtx.InvocationID),
			WithCheckpointEventLineageID(execCtx.LineageID),
			WithCheckpointEventNamespace(execCtx.CheckpointNS),
			WithCheckpointEventCheckpointID(execCtx.parentCheckpointID),
			WithCheckpointEventSource(CheckpointSourceInterrupt),
			WithCheckpointEventStep(step),
			WithCheckpointEventInterruptValue(intr.Value),
		)
		if err := event.EmitEvent(ctx, execCtx.EventChan, checkpointEvt); err != nil {
			log.Errorf("emit checkpoint interrupt event: %v", err)
		}
	}
	return intr
}

// checkpointBackend labels the saver implementation for metrics.
func checkpointBackend(saver CheckpointSaver) string {
	return fmt.Sprintf("%T", saver)
}

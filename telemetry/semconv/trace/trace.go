package trace

// telemetry attribute constants.
var (
	ResourceServiceNamespace = "trpc-go-graph"
	ResourceServiceName      = "telemetry"
	ResourceServiceVersion   = "v0.1.0"

	KeyEventID      = "trpc.go.graph.event_id"
	KeyInvocationID = "trpc.go.graph.invocation_id"
	KeyLineageID    = "trpc.go.graph.lineage_id"
	KeyCheckpointID = "trpc.go.graph.checkpoint_id"
	KeyNamespace    = "trpc.go.graph.checkpoint_ns"

	// Graph execution attributes
	KeyGraphName        = "graph.name"
	KeyGraphInput       = "graph.input"
	KeyGraphOutput      = "graph.output"
	KeyGraphOperation   = "graph.operation.name"
	KeyGraphNodeID      = "graph.node.id"
	KeyGraphNodeType    = "graph.node.type"
	KeyGraphTaskID      = "graph.task.id"
	KeyGraphStep        = "graph.pregel.step"
	KeyGraphTrigger     = "graph.pregel.trigger"
	KeyGraphNextNodes   = "graph.pregel.next_nodes"
	KeyGraphInterrupted = "graph.interrupted"

	// https://github.com/open-telemetry/semantic-conventions/blob/main/docs/general/recording-errors.md#recording-errors-on-spans
	KeyErrorType          = "error.type"
	KeyErrorMessage       = "error.message"
	ValueDefaultErrorType = "_OTHER"

	// System value
	SystemTRPCGoGraph = "trpc.go.graph"
)

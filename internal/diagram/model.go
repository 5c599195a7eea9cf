package diagram

// NodeKind classifies a diagram node by its workflow state type.
type NodeKind string

const (
	NodeKindFanOut   NodeKind = "fanout"
	NodeKindAudit    NodeKind = "audit"
	NodeKindDecision NodeKind = "decision"
	NodeKindApproval NodeKind = "approval"
	NodeKindTerminal NodeKind = "terminal"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow state in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Agents []string
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node, taken from a run manifest.
type StatusOverlay struct {
	Current bool // the run is in this state right now
	Visits  int
}

// EdgeKind distinguishes configured transitions from breaker shortcuts.
type EdgeKind string

const (
	EdgeKindTransition EdgeKind = "transition"
	EdgeKindAutoSkip   EdgeKind = "auto_skip"
)

// Edge represents a possible transition between two states.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

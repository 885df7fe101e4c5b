// Package diagram renders workflow definitions as Mermaid flowcharts,
// optionally overlaid with the live state of one instance.
package diagram

// Model is the intermediate representation the renderer consumes.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one workflow step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // step instance status overlay, empty without one
}

// NodeKind classifies a node by its step type, plus start/end markers.
type NodeKind string

const (
	NodeKindManual       NodeKind = "manual"
	NodeKindAutomatic    NodeKind = "automatic"
	NodeKindApproval     NodeKind = "approval"
	NodeKindNotification NodeKind = "notification"
	NodeKindCondition    NodeKind = "condition"
	NodeKindIntegration  NodeKind = "integration"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// Edge is one transition rule between two steps.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool // skip and error branches
}

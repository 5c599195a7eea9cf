package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabula-ai/fabula/internal/eventlog"
	"github.com/fabula-ai/fabula/pkg/schema"
)

// Build constructs a diagram Model from a workflow graph. When a run
// manifest is given, nodes carry a status overlay (visit counts, current
// state).
func Build(wf *schema.WorkflowConfig, manifest *eventlog.Manifest) (*Model, error) {
	if wf == nil || len(wf.States) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "diagram: workflow has no states")
	}

	// Deterministic node order: entry first, then the rest sorted by name.
	entry := wf.EntryState
	if entry == "" {
		entry = "start"
	}
	names := make([]string, 0, len(wf.States))
	for name := range wf.States {
		if name != entry {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := wf.States[entry]; ok {
		names = append([]string{entry}, names...)
	}

	nodes := make([]*Node, 0, len(names))
	var edges []Edge
	for _, name := range names {
		def := wf.States[name]
		node := &Node{
			ID:     name,
			Label:  nodeLabel(name, def),
			Kind:   stateTypeToKind(def.Type),
			Agents: def.Agents,
		}
		if manifest != nil {
			node.Status = &StatusOverlay{
				Current: manifest.CurrentState == name,
				Visits:  manifest.Visits[name],
			}
		}
		nodes = append(nodes, node)

		for _, rule := range def.Transitions {
			edges = append(edges, Edge{
				From:  name,
				To:    rule.To,
				Label: rule.When,
				Kind:  EdgeKindTransition,
			})
		}
	}

	// The breaker's auto-skip is a real path through the graph; show it.
	if wf.Breaker.AutoSkipThreshold > 0 && wf.Breaker.AutoSkipTarget != "" {
		for _, name := range names {
			if wf.States[name].Type == schema.StateTypeAudit {
				edges = append(edges, Edge{
					From:  name,
					To:    wf.Breaker.AutoSkipTarget,
					Label: fmt.Sprintf("score >= %g", wf.Breaker.AutoSkipThreshold),
					Kind:  EdgeKindAutoSkip,
				})
			}
		}
	}

	return &Model{Title: wf.Name, Nodes: nodes, Edges: edges}, nil
}

func stateTypeToKind(st schema.StateType) NodeKind {
	switch st {
	case schema.StateTypeFanOut:
		return NodeKindFanOut
	case schema.StateTypeAudit:
		return NodeKindAudit
	case schema.StateTypeDecision:
		return NodeKindDecision
	case schema.StateTypeApproval:
		return NodeKindApproval
	case schema.StateTypeTerminal:
		return NodeKindTerminal
	default:
		return NodeKindFanOut
	}
}

func nodeLabel(name string, def *schema.StateDefinition) string {
	if len(def.Agents) > 0 {
		return fmt.Sprintf("%s\n(%s)", name, strings.Join(def.Agents, ", "))
	}
	return name
}

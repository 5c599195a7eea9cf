package diagram

import (
	"fmt"
	"strings"
)

// RenderDOT renders a Model in Graphviz DOT syntax, suitable for piping
// into dot(1) when an image is wanted.
func RenderDOT(model *Model) string {
	var b strings.Builder

	b.WriteString("digraph workflow {\n")
	b.WriteString("    rankdir=TB;\n")
	b.WriteString("    node [fontname=\"Helvetica\"];\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    label=%q;\n", model.Title))
	}

	for _, node := range model.Nodes {
		attrs := []string{fmt.Sprintf("label=%q", strings.ReplaceAll(node.Label, "\n", "\\n"))}
		attrs = append(attrs, "shape="+dotShape(node.Kind))
		if node.Status != nil && node.Status.Current {
			attrs = append(attrs, `style=filled`, `fillcolor="#1a5276"`, `fontcolor=white`)
		} else if node.Status != nil && node.Status.Visits > 0 {
			attrs = append(attrs, `style=filled`, `fillcolor="#2d6a2d"`, `fontcolor=white`)
		}
		b.WriteString(fmt.Sprintf("    %q [%s];\n", node.ID, strings.Join(attrs, ", ")))
	}

	for _, edge := range model.Edges {
		attrs := ""
		switch {
		case edge.Label != "" && edge.Kind == EdgeKindAutoSkip:
			attrs = fmt.Sprintf(" [label=%q, style=dashed]", edge.Label)
		case edge.Label != "":
			attrs = fmt.Sprintf(" [label=%q]", edge.Label)
		case edge.Kind == EdgeKindAutoSkip:
			attrs = " [style=dashed]"
		}
		b.WriteString(fmt.Sprintf("    %q -> %q%s;\n", edge.From, edge.To, attrs))
	}

	b.WriteString("}\n")
	return b.String()
}

func dotShape(kind NodeKind) string {
	switch kind {
	case NodeKindDecision:
		return "diamond"
	case NodeKindApproval:
		return "oval"
	case NodeKindTerminal:
		return "doublecircle"
	case NodeKindFanOut:
		return "box3d"
	default:
		return "box"
	}
}

package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		arrow := "-->"
		if edge.Kind == EdgeKindAutoSkip {
			arrow = "-.->"
		}
		b.WriteString(fmt.Sprintf("    %s %s%s %s\n",
			mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		switch {
		case node.Status.Current:
			b.WriteString(fmt.Sprintf("    class %s current\n", mermaidSafeID(node.ID)))
		case node.Status.Visits > 0:
			b.WriteString(fmt.Sprintf("    class %s visited\n", mermaidSafeID(node.ID)))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with a shape per kind:
// diamonds for decisions, stadiums for approvals, double circles for
// terminals, double brackets for fan-out.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindApproval:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindTerminal:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindFanOut:
		return fmt.Sprintf("%s[[%q]]", id, label)
	default: // audit
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a state name to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

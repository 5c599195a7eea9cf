package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a Model as plain text: one block per state with its
// outgoing transitions. Readable in a terminal without any tooling.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(model.Title + "\n")
		b.WriteString(strings.Repeat("=", len(model.Title)) + "\n\n")
	}

	outgoing := make(map[string][]Edge)
	for _, edge := range model.Edges {
		outgoing[edge.From] = append(outgoing[edge.From], edge)
	}

	for _, node := range model.Nodes {
		marker := " "
		if node.Status != nil && node.Status.Current {
			marker = ">"
		}
		b.WriteString(fmt.Sprintf("%s [%s] %s", marker, node.Kind, node.ID))
		if len(node.Agents) > 0 {
			b.WriteString(fmt.Sprintf("  agents: %s", strings.Join(node.Agents, ", ")))
		}
		if node.Status != nil && node.Status.Visits > 0 {
			b.WriteString(fmt.Sprintf("  (visited %dx)", node.Status.Visits))
		}
		b.WriteString("\n")

		for _, edge := range outgoing[node.ID] {
			arrow := "-->"
			if edge.Kind == EdgeKindAutoSkip {
				arrow = "-skip->"
			}
			if edge.Label != "" {
				b.WriteString(fmt.Sprintf("      %s %s  when %s\n", arrow, edge.To, edge.Label))
			} else {
				b.WriteString(fmt.Sprintf("      %s %s\n", arrow, edge.To))
			}
		}
	}

	return b.String()
}

package config

import (
	"fmt"
	"sort"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// validateGraph performs reachability analysis on the workflow graph.
// Cycles are legal (draft/audit feedback loops are the whole point); the
// checks are: every state reachable from the entry state, and some terminal
// state reachable from every non-terminal state.
func validateGraph(cfg *schema.ProjectConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	wf := cfg.Workflow

	entry := wf.EntryState
	if entry == "" {
		entry = "start"
	}
	if _, ok := wf.States[entry]; !ok {
		return result // semantic stage already reported this
	}

	// edges[name] = transition targets, plus the breaker's auto-skip target
	// which is an implicit edge out of every audit state.
	edges := make(map[string][]string, len(wf.States))
	for name, st := range wf.States {
		for _, tr := range st.Transitions {
			if _, ok := wf.States[tr.To]; ok {
				edges[name] = append(edges[name], tr.To)
			}
		}
		if st.Type == schema.StateTypeAudit && wf.Breaker.AutoSkipTarget != "" {
			if _, ok := wf.States[wf.Breaker.AutoSkipTarget]; ok {
				edges[name] = append(edges[name], wf.Breaker.AutoSkipTarget)
			}
		}
	}

	// BFS from entry.
	reachable := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	names := make([]string, 0, len(wf.States))
	for name := range wf.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !reachable[name] {
			result.AddWarning(fmt.Sprintf("workflow.states[%s]", name),
				schema.ErrCodeConfig,
				fmt.Sprintf("state %q is unreachable from entry state %q", name, entry))
		}
	}

	// Reverse BFS from terminal states: every reachable non-terminal state
	// must have a path to some terminal state.
	reverse := make(map[string][]string, len(wf.States))
	for from, targets := range edges {
		for _, to := range targets {
			reverse[to] = append(reverse[to], from)
		}
	}

	canFinish := make(map[string]bool, len(wf.States))
	var finishQueue []string
	for name, st := range wf.States {
		if st.Type == schema.StateTypeTerminal {
			canFinish[name] = true
			finishQueue = append(finishQueue, name)
		}
	}
	for len(finishQueue) > 0 {
		node := finishQueue[0]
		finishQueue = finishQueue[1:]
		for _, prev := range reverse[node] {
			if !canFinish[prev] {
				canFinish[prev] = true
				finishQueue = append(finishQueue, prev)
			}
		}
	}

	for _, name := range names {
		if reachable[name] && !canFinish[name] {
			result.AddError(fmt.Sprintf("workflow.states[%s]", name),
				schema.ErrCodeConfig,
				fmt.Sprintf("no terminal state is reachable from %q", name))
		}
	}

	return result
}

package config

import (
	"fmt"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// validateSemantic performs semantic analysis on the project config.
// Checks: entry state exists, transition targets exist, referenced agents
// are defined, state-type rules (terminal states have no transitions or
// agents, audit states declare a score_query, approval states have no
// agents), breaker target exists.
func validateSemantic(cfg *schema.ProjectConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	wf := cfg.Workflow

	entry := wf.EntryState
	if entry == "" {
		entry = "start"
	}
	if _, ok := wf.States[entry]; !ok {
		result.AddError("workflow.entry_state", schema.ErrCodeConfig,
			fmt.Sprintf("entry state %q is not defined", entry))
	}

	hasTerminal := false
	for name, st := range wf.States {
		path := fmt.Sprintf("workflow.states[%s]", name)
		validateState(name, st, path, cfg, result)
		if st.Type == schema.StateTypeTerminal {
			hasTerminal = true
		}
	}

	if !hasTerminal {
		result.AddError("workflow.states", schema.ErrCodeConfig,
			"workflow has no terminal state; every run would loop forever")
	}

	if target := wf.Breaker.AutoSkipTarget; target != "" {
		if _, ok := wf.States[target]; !ok {
			result.AddError("workflow.breaker.auto_skip_target", schema.ErrCodeConfig,
				fmt.Sprintf("references non-existent state %q", target))
		}
	}
	if wf.Breaker.AutoSkipThreshold > 0 && wf.Breaker.AutoSkipTarget == "" {
		result.AddError("workflow.breaker.auto_skip_target", schema.ErrCodeConfig,
			"auto_skip_threshold set without auto_skip_target")
	}

	for id, agent := range cfg.Agents {
		validateAgent(id, agent, fmt.Sprintf("agents[%s]", id), result)
	}

	return result
}

// validateState checks a single state definition.
func validateState(name string, st *schema.StateDefinition, path string, cfg *schema.ProjectConfig, result *schema.ValidationResult) {
	wf := cfg.Workflow

	// Transition targets must resolve.
	for i, tr := range st.Transitions {
		if _, ok := wf.States[tr.To]; !ok {
			result.AddError(fmt.Sprintf("%s.transitions[%d].to", path, i),
				schema.ErrCodeConfig,
				fmt.Sprintf("references non-existent state %q", tr.To))
		}
	}

	// Referenced agents must be defined.
	for i, id := range st.Agents {
		if _, ok := cfg.Agents[id]; !ok {
			result.AddError(fmt.Sprintf("%s.agents[%d]", path, i),
				schema.ErrCodeConfig,
				fmt.Sprintf("agent %q not defined in agent roster", id))
		}
	}
	agentSet := make(map[string]bool, len(st.Agents))
	for _, id := range st.Agents {
		agentSet[id] = true
	}
	for i, id := range st.Required {
		if !agentSet[id] {
			result.AddError(fmt.Sprintf("%s.required[%d]", path, i),
				schema.ErrCodeConfig,
				fmt.Sprintf("required agent %q is not in the state's agent list", id))
		}
	}

	switch st.Type {
	case schema.StateTypeTerminal:
		if len(st.Transitions) > 0 {
			result.AddError(path+".transitions", schema.ErrCodeConfig,
				"terminal state cannot have transitions")
		}
		if len(st.Agents) > 0 {
			result.AddError(path+".agents", schema.ErrCodeConfig,
				"terminal state cannot invoke agents")
		}
	case schema.StateTypeAudit:
		if st.ScoreQuery == "" {
			result.AddError(path+".score_query", schema.ErrCodeConfig,
				"audit state requires a score_query")
		}
		if len(st.Agents) == 0 {
			result.AddError(path+".agents", schema.ErrCodeConfig,
				"audit state requires at least one agent")
		}
	case schema.StateTypeFanOut:
		if len(st.Agents) == 0 {
			result.AddError(path+".agents", schema.ErrCodeConfig,
				"fanout state requires at least one agent")
		}
	case schema.StateTypeApproval:
		if len(st.Agents) > 0 {
			result.AddError(path+".agents", schema.ErrCodeConfig,
				"approval state suspends for a human; it cannot invoke agents")
		}
		if st.Timeout != "" {
			if _, err := time.ParseDuration(st.Timeout); err != nil {
				result.AddError(path+".timeout", schema.ErrCodeConfig,
					fmt.Sprintf("invalid timeout %q: %s", st.Timeout, err))
			}
		}
	case schema.StateTypeDecision:
		if len(st.Agents) > 0 {
			result.AddError(path+".agents", schema.ErrCodeConfig,
				"decision state evaluates transitions only; it cannot invoke agents")
		}
		if len(st.Transitions) == 0 {
			result.AddError(path+".transitions", schema.ErrCodeConfig,
				"decision state requires at least one transition")
		}
	}

	// Non-terminal states with no transitions dead-end the run.
	if st.Type != schema.StateTypeTerminal && len(st.Transitions) == 0 && st.Type != schema.StateTypeDecision {
		result.AddError(path+".transitions", schema.ErrCodeConfig,
			fmt.Sprintf("non-terminal state %q has no transitions", name))
	}

	// Unconditional rule before the last position shadows everything after it.
	for i, tr := range st.Transitions {
		if tr.When == "" && i < len(st.Transitions)-1 {
			result.AddWarning(fmt.Sprintf("%s.transitions[%d]", path, i),
				schema.ErrCodeConfig,
				"unconditional transition shadows later rules")
		}
	}
}

// validateAgent checks a single agent definition.
func validateAgent(id string, agent *schema.AgentConfig, path string, result *schema.ValidationResult) {
	if agent.Timeout != "" {
		if _, err := time.ParseDuration(agent.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeConfig,
				fmt.Sprintf("invalid timeout %q: %s", agent.Timeout, err))
		}
	}

	if agent.Retry != nil && agent.Retry.Max > 10 {
		result.AddWarning(path+".retry.max", schema.ErrCodeConfig,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", agent.Retry.Max))
	}

	if len(agent.ResumeArgs) > 0 && agent.SessionPattern == "" {
		result.AddWarning(path+".resume_args", schema.ErrCodeConfig,
			"resume_args set without session_pattern; sessions will never be captured")
	}
}

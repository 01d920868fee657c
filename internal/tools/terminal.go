package tools

import (
	"context"
	"fmt"
	"strings"
)

// Terminal tool names. These conclude an agent's turn and are excluded from
// status-event tool enumeration.
const (
	NameDelegate    = "delegate"
	NameComplete    = "complete"
	NameSwitchPhase = "switch_phase"
)

// SystemToolNames are the core agent tools hidden from status events.
var SystemToolNames = map[string]bool{
	NameDelegate:    true,
	NameComplete:    true,
	NameSwitchPhase: true,
}

// DelegateTool fans a sub-task out to other agents. The executor turns its
// intent into one delegation-task event per recipient and puts the caller to
// sleep until the batch completes.
type DelegateTool struct {
	// knownAgent reports whether a pubkey belongs to the project's agent set.
	knownAgent func(pubkey string) bool
}

func NewDelegateTool(knownAgent func(pubkey string) bool) *DelegateTool {
	return &DelegateTool{knownAgent: knownAgent}
}

func (t *DelegateTool) Name() string   { return NameDelegate }
func (t *DelegateTool) Terminal() bool { return true }
func (t *DelegateTool) Description() string {
	return "Delegate a task to one or more other agents and wait for all of them to respond"
}

func (t *DelegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"recipients": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Pubkeys of the agents to delegate to",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The task to delegate",
			},
		},
		"required": []string{"recipients", "content"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	recipients := stringSlice(args["recipients"])
	if len(recipients) == 0 {
		return ErrorResult("recipients must name at least one agent")
	}

	caller := CallerFromCtx(ctx)
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if r == caller {
			return ErrorResult("cannot delegate to yourself")
		}
		if t.knownAgent != nil && !t.knownAgent(r) {
			return ErrorResult("unknown agent %s", r)
		}
		if _, dup := seen[r]; dup {
			return ErrorResult("recipient %s listed twice", r)
		}
		seen[r] = struct{}{}
	}

	return &Result{
		ForLLM:     fmt.Sprintf("delegated to %d agent(s)", len(recipients)),
		Delegation: &DelegationIntent{Recipients: recipients, Content: content},
	}
}

// CompleteTool finishes the agent's turn, replying to the conversation or to
// the delegation task that triggered it.
type CompleteTool struct{}

func NewCompleteTool() *CompleteTool { return &CompleteTool{} }

func (t *CompleteTool) Name() string   { return NameComplete }
func (t *CompleteTool) Terminal() bool { return true }
func (t *CompleteTool) Description() string {
	return "Finish your turn with a final response"
}

func (t *CompleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Your final response",
			},
		},
		"required": []string{"content"},
	}
}

func (t *CompleteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	return &Result{ForLLM: "completed", Completion: &CompletionIntent{Content: content}}
}

// SwitchPhaseTool moves the conversation into a new workflow phase.
type SwitchPhaseTool struct {
	validPhase func(string) bool
}

func NewSwitchPhaseTool(validPhase func(string) bool) *SwitchPhaseTool {
	return &SwitchPhaseTool{validPhase: validPhase}
}

func (t *SwitchPhaseTool) Name() string   { return NameSwitchPhase }
func (t *SwitchPhaseTool) Terminal() bool { return true }
func (t *SwitchPhaseTool) Description() string {
	return "Move the conversation to a different workflow phase"
}

func (t *SwitchPhaseTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Target phase: CHAT, BRAINSTORM, PLAN, EXECUTE, VERIFICATION, CHORES or REFLECTION",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the phase should change",
			},
		},
		"required": []string{"to"},
	}
}

func (t *SwitchPhaseTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	to = strings.ToUpper(strings.TrimSpace(to))
	if to == "" {
		return ErrorResult("to is required")
	}
	if t.validPhase != nil && !t.validPhase(to) {
		return ErrorResult("unknown phase %q", to)
	}
	reason, _ := args["reason"].(string)
	return &Result{
		ForLLM:      "phase switched to " + to,
		PhaseSwitch: &PhaseSwitchIntent{To: to, Reason: reason},
	}
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

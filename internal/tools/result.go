package tools

import "fmt"

// Result is the unified return type from tool execution. Terminal tools set
// exactly one intent field; the executor hands intents to the publisher and
// never lets a terminal result feed another LLM turn.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content returned to the LLM as a tool message
	IsError bool   `json:"is_error"` // marks a failed call the LLM may recover from

	Delegation  *DelegationIntent  `json:"-"`
	Completion  *CompletionIntent  `json:"-"`
	PhaseSwitch *PhaseSwitchIntent `json:"-"`

	Err error `json:"-"` // internal error, not serialized
}

// DelegationIntent asks the executor to fan tasks out to other agents.
type DelegationIntent struct {
	Recipients []string // recipient pubkeys
	Content    string
}

// CompletionIntent concludes the agent's turn with user-visible content.
type CompletionIntent struct {
	Content string
}

// PhaseSwitchIntent moves the conversation to a new phase.
type PhaseSwitchIntent struct {
	To     string
	Reason string
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(format string, args ...interface{}) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Terminal reports whether the result carries a terminal intent.
func (r *Result) Terminal() bool {
	return r.Delegation != nil || r.Completion != nil || r.PhaseSwitch != nil
}

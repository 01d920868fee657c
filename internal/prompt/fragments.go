package prompt

import (
	"fmt"
	"strings"
)

// Priorities of the built-in fragments. Spacing leaves room for
// project-specific fragments between them.
const (
	PriorityIdentity     = 10
	PriorityProject      = 20
	PriorityPhase        = 30
	PriorityToolCatalog  = 40
	PriorityLessons      = 50
	PriorityInstructions = 60
)

// DefaultRegistry builds the standard fragment set every agent starts from.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("identity", PriorityIdentity, identityFragment)
	r.Register("project", PriorityProject, projectFragment)
	r.Register("phase", PriorityPhase, phaseFragment)
	r.Register("tools", PriorityToolCatalog, toolCatalogFragment)
	r.Register("lessons", PriorityLessons, lessonsFragment)
	r.Register("instructions", PriorityInstructions, instructionsFragment)
	return r
}

func identityFragment(ctx Context) string {
	name := ctx.AgentName
	if name == "" {
		name = ctx.AgentSlug
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", name)
	if ctx.Role != "" {
		fmt.Fprintf(&b, ", %s", ctx.Role)
	}
	b.WriteString(".")
	return b.String()
}

func projectFragment(ctx Context) string {
	if ctx.ProjectTitle == "" {
		return ""
	}
	return fmt.Sprintf("You are working on the project %q.", ctx.ProjectTitle)
}

func phaseFragment(ctx Context) string {
	if ctx.Phase == "" {
		return ""
	}
	return fmt.Sprintf("The conversation is in the %s phase. Keep your contribution appropriate to it.", ctx.Phase)
}

func toolCatalogFragment(ctx Context) string {
	if len(ctx.ToolNames) == 0 {
		return ""
	}
	return "Tools available to you: " + strings.Join(ctx.ToolNames, ", ") + "."
}

func lessonsFragment(ctx Context) string {
	if len(ctx.Lessons) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Lessons you have recorded from past work:")
	for _, l := range ctx.Lessons {
		b.WriteString("\n- ")
		b.WriteString(l)
	}
	return b.String()
}

func instructionsFragment(ctx Context) string {
	return ctx.Instructions
}

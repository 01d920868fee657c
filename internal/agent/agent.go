package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// DelegateToolName is the tool whose holders may answer their own events
// (needed so a delegator can follow up its own delegation completions).
const DelegateToolName = "delegate"

// Agent is a signing identity with an LLM role definition, tool set, and
// prompt instructions. Agents persist globally keyed by pubkey; projects
// reference them by pubkey and mark at most one as PM.
type Agent struct {
	Slug         string   `json:"slug"`
	Name         string   `json:"name,omitempty"`
	PubKey       string   `json:"pubkey"`
	NSec         string   `json:"nsec"` // source of truth for the signing key
	Role         string   `json:"role,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	LLMConfig    string   `json:"llmConfig,omitempty"` // slug into config.LLM.Configs
	Lessons      []string `json:"lessons,omitempty"`
}

// New generates a fresh signing key and wraps it in an agent definition.
func New(slug string) (*Agent, error) {
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key for agent %s: %w", slug, err)
	}
	pub, err := nostr.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	nsec, err := nostr.EncodeNsec(priv)
	if err != nil {
		return nil, err
	}
	return &Agent{Slug: slug, PubKey: pub, NSec: nsec}, nil
}

// PrivateKeyHex decodes the stored nsec into the raw hex key used for signing.
func (a *Agent) PrivateKeyHex() (string, error) {
	if strings.HasPrefix(a.NSec, "npub") {
		return "", fmt.Errorf("agent %s: key is an npub, want nsec", a.Slug)
	}
	hexKey, err := nostr.DecodeKey(a.NSec)
	if err != nil {
		return "", fmt.Errorf("agent %s: decode nsec: %w", a.Slug, err)
	}
	return hexKey, nil
}

// HasTool reports whether the agent's tool set includes name.
func (a *Agent) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// CanDelegate reports whether the agent holds the delegate tool.
func (a *Agent) CanDelegate() bool { return a.HasTool(DelegateToolName) }

// configUpdate is the content payload of an agent-config-update event.
type configUpdate struct {
	Name         string   `json:"name,omitempty"`
	Role         string   `json:"role,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	LLMConfig    string   `json:"llmConfig,omitempty"`
}

// ApplyConfigUpdate merges an agent-config-update event into the definition.
// Only the agent itself may update its own definition.
func (a *Agent) ApplyConfigUpdate(ev *nostr.Event) error {
	if ev.Kind != nostr.KindAgentConfigUpdate {
		return fmt.Errorf("agent %s: event kind %d is not a config update", a.Slug, ev.Kind)
	}
	if ev.PubKey != a.PubKey {
		return fmt.Errorf("agent %s: config update signed by %s", a.Slug, ev.PubKey)
	}

	var upd configUpdate
	if err := json.Unmarshal([]byte(ev.Content), &upd); err != nil {
		return fmt.Errorf("agent %s: parse config update: %w", a.Slug, err)
	}
	if upd.Name != "" {
		a.Name = upd.Name
	}
	if upd.Role != "" {
		a.Role = upd.Role
	}
	if upd.Instructions != "" {
		a.Instructions = upd.Instructions
	}
	if upd.Tools != nil {
		a.Tools = upd.Tools
	}
	if upd.LLMConfig != "" {
		a.LLMConfig = upd.LLMConfig
	}
	return nil
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Tools = append([]string(nil), a.Tools...)
	c.Lessons = append([]string(nil), a.Lessons...)
	return &c
}

func (a *Agent) validate() error {
	if a.Slug == "" {
		return fmt.Errorf("agent missing slug")
	}
	if strings.TrimSpace(a.PubKey) == "" {
		return fmt.Errorf("agent %s missing pubkey", a.Slug)
	}
	if strings.TrimSpace(a.NSec) == "" {
		return fmt.Errorf("agent %s missing nsec", a.Slug)
	}
	return nil
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent identities in the global store",
	}
	cmd.AddCommand(agentNewCmd(), agentListCmd(), agentShowCmd(), agentRemoveCmd())
	return cmd
}

func openAgentStore() *agent.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	store, err := agent.NewStore(filepath.Join(cfg.GlobalDirPath(), "agents"))
	if err != nil {
		slog.Error("failed to open agent store", "error", err)
		os.Exit(1)
	}
	return store
}

func agentNewCmd() *cobra.Command {
	var role, instructions string
	var toolList []string

	cmd := &cobra.Command{
		Use:   "new <slug>",
		Short: "Generate a signing key and register a new agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openAgentStore()
			if _, ok := store.GetBySlug(args[0]); ok {
				fmt.Fprintf(os.Stderr, "agent %q already exists\n", args[0])
				os.Exit(1)
			}

			a, err := agent.New(args[0])
			if err != nil {
				slog.Error("key generation failed", "error", err)
				os.Exit(1)
			}
			a.Role = role
			a.Instructions = instructions
			a.Tools = toolList

			if err := store.Save(a); err != nil {
				slog.Error("failed to save agent", "error", err)
				os.Exit(1)
			}

			npub, _ := nostr.EncodeNpub(a.PubKey)
			fmt.Printf("created agent %s\n  pubkey: %s\n  npub:   %s\n", a.Slug, a.PubKey, npub)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "system prompt instructions")
	cmd.Flags().StringSliceVar(&toolList, "tools", nil, "tool names granted to the agent")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored agents",
		Run: func(cmd *cobra.Command, args []string) {
			agents := openAgentStore().All()
			if len(agents) == 0 {
				fmt.Println("no agents")
				return
			}
			for _, a := range agents {
				fmt.Printf("%-20s %s  tools=[%s]\n", a.Slug, a.PubKey, strings.Join(a.Tools, ","))
			}
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slug>",
		Short: "Show one agent definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, ok := openAgentStore().GetBySlug(args[0])
			if !ok {
				fmt.Fprintf(os.Stderr, "no agent %q\n", args[0])
				os.Exit(1)
			}
			npub, _ := nostr.EncodeNpub(a.PubKey)
			fmt.Printf("slug:         %s\n", a.Slug)
			if a.Name != "" {
				fmt.Printf("name:         %s\n", a.Name)
			}
			fmt.Printf("pubkey:       %s\n", a.PubKey)
			fmt.Printf("npub:         %s\n", npub)
			if a.Role != "" {
				fmt.Printf("role:         %s\n", a.Role)
			}
			if len(a.Tools) > 0 {
				fmt.Printf("tools:        %s\n", strings.Join(a.Tools, ", "))
			}
			if a.LLMConfig != "" {
				fmt.Printf("llm config:   %s\n", a.LLMConfig)
			}
			if len(a.Lessons) > 0 {
				fmt.Printf("lessons:      %d\n", len(a.Lessons))
			}
		},
	}
}

func agentRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <slug>",
		Short: "Delete an agent and its signing key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openAgentStore()
			a, ok := store.GetBySlug(args[0])
			if !ok {
				fmt.Fprintf(os.Stderr, "no agent %q\n", args[0])
				os.Exit(1)
			}
			if err := store.Remove(a.PubKey); err != nil {
				slog.Error("failed to remove agent", "error", err)
				os.Exit(1)
			}
			fmt.Printf("removed agent %s\n", a.Slug)
		},
	}
}

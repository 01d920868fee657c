package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tenexlabs/tenex/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively configure provider credentials and relays",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}

			provider := "openai"
			var apiKey, apiBase string
			model := "gpt-4o"
			relays := strings.Join(cfg.Relays, ",")

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("LLM provider").
						Options(
							huh.NewOption("OpenAI", "openai"),
							huh.NewOption("OpenRouter", "openrouter"),
							huh.NewOption("Anthropic", "anthropic"),
						).
						Value(&provider),
					huh.NewInput().
						Title("API key").
						EchoMode(huh.EchoModePassword).
						Value(&apiKey),
					huh.NewInput().
						Title("API base URL (blank for the provider default)").
						Value(&apiBase),
					huh.NewInput().
						Title("Default model").
						Value(&model),
					huh.NewInput().
						Title("Relays (comma separated)").
						Value(&relays),
				),
			)
			if err := form.Run(); err != nil {
				slog.Error("setup aborted", "error", err)
				os.Exit(1)
			}

			creds := config.ProviderCredentials{APIKey: apiKey, APIBase: apiBase}
			switch provider {
			case "openrouter":
				cfg.Providers.OpenRouter = creds
			case "anthropic":
				cfg.Providers.Anthropic = creds
			default:
				cfg.Providers.OpenAI = creds
			}

			if cfg.LLM.Configs == nil {
				cfg.LLM.Configs = map[string]config.LLMModelConfig{}
			}
			if cfg.LLM.Default == "" {
				cfg.LLM.Default = "default"
			}
			mc := cfg.LLM.Configs[cfg.LLM.Default]
			mc.Provider = provider
			mc.Model = model
			cfg.LLM.Configs[cfg.LLM.Default] = mc

			if list := splitRelays(relays); len(list) > 0 {
				cfg.Relays = list
			}

			if err := config.Save(path, cfg); err != nil {
				slog.Error("failed to save config", "path", path, "error", err)
				os.Exit(1)
			}
			fmt.Printf("wrote %s\n", path)
		},
	}
}

func splitRelays(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

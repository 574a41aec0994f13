package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quayside/ferry/internal/config"
)

func buildRoutesCmd() *cobra.Command {
	var configPath string
	var historyLen int

	cmd := &cobra.Command{
		Use:   "routes [message]",
		Short: "Show routing tiers, or classify a message",
		Long: `Without arguments, prints the configured tier-to-model mapping.
With a message argument, shows which tier and model the router would pick.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			router, err := buildRouter(cfg)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				printTiers(cmd, cfg)
				return nil
			}

			decision := router.Classify(args[0], historyLen)
			cmd.Printf("tier:       %s\n", decision.Tier)
			cmd.Printf("model:      %s\n", decision.Model)
			cmd.Printf("reason:     %s\n", decision.Reason)
			cmd.Printf("confidence: %.2f\n", decision.Confidence)
			if alts := router.Alternatives(decision.Tier); len(alts) > 0 {
				cmd.Printf("alternatives: %s\n", strings.Join(alts, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	cmd.Flags().IntVar(&historyLen, "history", 0, "Assumed conversation length for classification")
	return cmd
}

func printTiers(cmd *cobra.Command, cfg *config.Config) {
	names := make([]string, 0, len(cfg.Routing.Tiers))
	for name := range cfg.Routing.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd.Printf("%s:\n", name)
		for i, model := range cfg.Routing.Tiers[name] {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			cmd.Printf("  %s %s\n", marker, model)
		}
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := buildRouter(cfg); err != nil {
				return err
			}
			cmd.Printf("%s is valid\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			cmd.Println(string(schema))
			return nil
		},
	}
}

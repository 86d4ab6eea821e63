package main

import (
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the merged configuration as YAML: defaults, config file
values, and environment overrides. API keys are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.AllSettings()
		for key, value := range settings {
			if strings.HasSuffix(key, "-api-key") {
				if s, ok := value.(string); ok && s != "" {
					settings[key] = "********"
				}
			}
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

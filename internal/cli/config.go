package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/auditkit/auditkit/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage auditkit configuration",
	Long: `Manage the auditkit configuration file (--config, default auditkit.yaml).

Values in the file are overlaid with AUDITKIT_* environment variables.
Nested keys use a double underscore: AUDITKIT_ROTATION__MAX_SIZE=10MB.

Available commands:
  show              - Show the effective configuration
  set <key> <value> - Set a configuration value
  get <key>         - Get a configuration value`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, cfg)
		}
		data, err := yamlv3.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprintf(out, "# auditkit configuration\n# Location: %s\n\n", configPath)
		_, err = out.Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the configuration file.

Examples:
  auditkit config set rotation.max_size 50MB
  auditkit config set performance.batch_size 200
  auditkit config set server.cors_origins "[https://console.example.com]"

Available keys:
  ` + strings.Join(config.Keys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		key, value := args[0], args[1]
		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value.

Available keys:
  ` + strings.Join(config.Keys(), "\n  "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		key := args[0]
		value, err := cfg.Get(key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if value == "" {
			fmt.Fprintf(out, "%s (not set)\n", key)
			return nil
		}
		fmt.Fprintln(out, strings.TrimRight(value, "\n"))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}

package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/config"
)

var (
	configPath string
	jsonOutput bool
	noColor    bool
	rootCmd    = &cobra.Command{
		Use:   "auditkit",
		Short: "auditkit - append-only audit event store",
		Long: `auditkit records who did what to which entity as an append-only,
hash-chained JSON Lines file with size-based rotation, and queries,
summarizes and verifies those records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
			if noColor {
				color.Disable()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/pkg/color"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the live audit file now",
	Long: `Rotate the live audit file regardless of its size.

The live file becomes generation 1, older generations shift up, and the
oldest beyond rotation.max_files are pruned.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		session, err := openWriter(cfg)
		if err != nil {
			return err
		}
		res, rotErr := session.writer.Rotate(ctx)
		if err := session.close(ctx); err != nil && rotErr == nil {
			rotErr = err
		}
		if rotErr != nil {
			return rotErr
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res)
		}
		fmt.Fprintf(out, "%s %s\n", color.Success("Rotated to"), res.Rotated)
		for _, p := range res.Pruned {
			fmt.Fprintf(out, "  pruned %s\n", p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/internal/verify"
	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/errclass"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [<file>]",
	Short: "Verify the audit hash chain",
	Long: `Verify the hash chain of the audit log.

Without an argument every generation and the live file are checked as one
chain, oldest first. With a file argument only that file is checked.

Examples:
  auditkit verify
  auditkit verify data/audit/audit.log.3.gz`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		verifier := verify.NewVerifier(cfg.Path)
		var results []*verify.Result
		if len(args) == 1 {
			res, err := verifier.VerifyFile(ctx, args[0])
			if err != nil {
				return err
			}
			results = []*verify.Result{res}
		} else {
			results, err = verifier.VerifyAll(ctx)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := outputJSON(out, results); err != nil {
				return err
			}
		} else {
			if len(results) == 0 {
				fmt.Fprintln(out, color.Dim("No audit files found."))
			}
			for _, res := range results {
				status := color.Success("OK")
				switch {
				case res.TamperDetected:
					status = color.Error("TAMPERED")
				case res.Error != "":
					status = color.Warning("ERROR")
				}
				fmt.Fprintf(out, "%s  %s  records=%d unsealed=%d skipped=%d\n",
					res.Path, status, res.Records, res.Unsealed, res.Skipped)
				if res.Error != "" {
					fmt.Fprintf(out, "  %s\n", res.Error)
				}
			}
		}

		if !verify.Clean(results) {
			return errclass.ErrChainBroken.WithMessage("verification failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

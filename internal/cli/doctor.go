package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/internal/doctor"
	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/errclass"
)

var (
	doctorStrict      bool
	doctorRepair      []string
	doctorListRepairs bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check audit directory health",
	Long: `Check audit directory health.

Reports stale locks, generation gaps and duplicates, orphan temp files and an
oversized live file. Use --strict to also verify the hash chain and parse
every line. Use --repair to fix what can be fixed while no writer is running.

Examples:
  auditkit doctor
  auditkit doctor --strict
  auditkit doctor --list-repairs
  auditkit doctor --repair clean_tmp,clean_lock`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		doc := doctor.NewDoctor(cfg)
		out := cmd.OutOrStdout()

		if doctorListRepairs {
			actions := doc.ListRepairActions()
			if jsonOutput {
				return outputJSON(out, actions)
			}
			for _, a := range actions {
				safe := ""
				if a.AutoSafe {
					safe = color.Dim(" (safe)")
				}
				fmt.Fprintf(out, "  %-22s %s%s\n", color.Code(a.ID), a.Description, safe)
			}
			return nil
		}

		if len(doctorRepair) > 0 {
			results, err := doc.Repair(doctorRepair)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(out, results)
			}
			failed := false
			for _, r := range results {
				status := color.Success("ok")
				if !r.Success {
					status = color.Error("failed")
					failed = true
				}
				fmt.Fprintf(out, "  %-22s %s  %s\n", r.Action, status, r.Message)
			}
			if failed {
				return errclass.ErrInitialization.WithMessage("one or more repairs failed")
			}
			return nil
		}

		result, err := doc.Check(context.Background(), doctorStrict)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := outputJSON(out, result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Fprintln(out, color.Success("Audit directory is healthy."))
		} else {
			fmt.Fprintf(out, "Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", severity(f.Severity), f.Category, f.Description)
			}
		}

		if !result.Healthy {
			return errclass.ErrInitialization.WithMessage("audit directory is unhealthy")
		}
		return nil
	},
}

func severity(s string) string {
	switch s {
	case "critical", "error":
		return color.Error(s)
	case "warning":
		return color.Warning(s)
	default:
		return color.Info(s)
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "also verify the hash chain and parse every line")
	doctorCmd.Flags().StringSliceVar(&doctorRepair, "repair", nil, "run the named repair actions")
	doctorCmd.Flags().BoolVar(&doctorListRepairs, "list-repairs", false, "list available repair actions")
	rootCmd.AddCommand(doctorCmd)
}

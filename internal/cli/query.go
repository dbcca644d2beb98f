package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/model"
)

var (
	queryOperation  string
	queryEntityType string
	queryEntityID   string
	queryActorType  string
	queryActorID    string
	querySource     string
	queryTraceID    string
	querySince      string
	queryUntil      string
	queryLimit      int
	queryOffset     int
	queryGeneration int
	queryAll        bool
	queryFile       string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search audit events",
	Long: `Search audit events, newest first.

By default only the live file is searched. Use --generation to search one
rotated generation, --all to search every generation, or --file to search an
arbitrary audit file. Lines that cannot be parsed are skipped.

Examples:
  auditkit query --entity-type invoice --entity-id inv-1
  auditkit query --actor-type ai --since 2024-01-01 --limit 20
  auditkit query --all --operation delete`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		f, err := queryFilter()
		if err != nil {
			return err
		}

		ctx := context.Background()
		engine := newEngine(cfg)
		var events []*model.Event
		switch {
		case queryFile != "":
			events, err = engine.QueryFile(ctx, queryFile, f)
		case queryAll:
			events, err = engine.QueryAll(ctx, f)
		case queryGeneration > 0:
			events, err = engine.QueryGeneration(ctx, queryGeneration, f)
		default:
			events, err = engine.Query(ctx, f)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(out, color.Dim("No matching events."))
			return nil
		}
		for _, e := range events {
			actor := string(e.Actor.Type) + ":" + e.Actor.ID
			if e.Actor.CoAuthor != "" {
				actor += " (co-author " + e.Actor.CoAuthor + ")"
			}
			fmt.Fprintf(out, "%s  %s  %-8s %s  %s  %s\n",
				color.EventID(e.ID),
				e.Timestamp.Format(time.RFC3339),
				color.Operation(string(e.Operation())),
				color.Entity(e.EntityType+"/"+e.EntityID),
				actor,
				color.Dim(string(e.Source)),
			)
		}
		fmt.Fprintf(out, "\n%d event(s)\n", len(events))
		return nil
	},
}

func queryFilter() (model.Filter, error) {
	f := model.Filter{
		Operation:  model.Operation(strings.ToLower(queryOperation)),
		EntityType: queryEntityType,
		EntityID:   queryEntityID,
		ActorType:  model.ActorType(strings.ToLower(queryActorType)),
		ActorID:    queryActorID,
		Source:     model.Source(strings.ToLower(querySource)),
		TraceID:    queryTraceID,
		Limit:      queryLimit,
		Offset:     queryOffset,
	}
	if f.Operation != "" && !f.Operation.Valid() {
		return f, errclass.ErrConfiguration.WithMessagef("invalid --operation %q", queryOperation)
	}
	if f.ActorType != "" && !f.ActorType.Valid() {
		return f, errclass.ErrConfiguration.WithMessagef("invalid --actor-type %q", queryActorType)
	}
	if f.Source != "" && !f.Source.Valid() {
		return f, errclass.ErrConfiguration.WithMessagef("invalid --source %q", querySource)
	}
	if queryLimit < 0 || queryOffset < 0 {
		return f, errclass.ErrConfiguration.WithMessage("--limit and --offset must be non-negative")
	}
	if querySince != "" || queryUntil != "" {
		dr, err := parsePeriod(querySince, queryUntil)
		if err != nil {
			return f, err
		}
		f.DateRange = &dr
	}
	return f, nil
}

// parsePeriod accepts RFC3339 timestamps or plain dates. A plain --until date
// covers the whole day.
func parsePeriod(since, until string) (model.DateRange, error) {
	var dr model.DateRange
	if since != "" {
		t, _, err := parseTime(since)
		if err != nil {
			return dr, errclass.ErrConfiguration.WithMessagef("invalid --since %q: want RFC3339 or YYYY-MM-DD", since)
		}
		dr.Start = t
	}
	if until != "" {
		t, dateOnly, err := parseTime(until)
		if err != nil {
			return dr, errclass.ErrConfiguration.WithMessagef("invalid --until %q: want RFC3339 or YYYY-MM-DD", until)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		dr.End = t
	}
	return dr, nil
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	return t, true, err
}

func init() {
	queryCmd.Flags().StringVar(&queryOperation, "operation", "", "filter by operation")
	queryCmd.Flags().StringVar(&queryEntityType, "entity-type", "", "filter by entity type")
	queryCmd.Flags().StringVar(&queryEntityID, "entity-id", "", "filter by entity id")
	queryCmd.Flags().StringVar(&queryActorType, "actor-type", "", "filter by actor type")
	queryCmd.Flags().StringVar(&queryActorID, "actor-id", "", "filter by actor id")
	queryCmd.Flags().StringVar(&querySource, "source", "", "filter by source")
	queryCmd.Flags().StringVar(&queryTraceID, "trace-id", "", "filter by trace id")
	queryCmd.Flags().StringVar(&querySince, "since", "", "earliest timestamp (RFC3339 or YYYY-MM-DD)")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "latest timestamp (RFC3339 or YYYY-MM-DD)")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 50, "maximum events to collect (0 for no limit)")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "events to skip from the collected result")
	queryCmd.Flags().IntVar(&queryGeneration, "generation", 0, "search rotated generation N instead of the live file")
	queryCmd.Flags().BoolVar(&queryAll, "all", false, "search the live file and every generation")
	queryCmd.Flags().StringVar(&queryFile, "file", "", "search this audit file")
	rootCmd.AddCommand(queryCmd)
}

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/jsonutil"
	"github.com/auditkit/auditkit/pkg/model"
)

var (
	recordEntityType string
	recordEntityID   string
	recordActorType  string
	recordActorID    string
	recordActorName  string
	recordCoAuthor   string
	recordSource     string
	recordTraceID    string
	recordBefore     string
	recordAfter      string
	recordChanges    string
	recordFields     []string
	recordSensitive  bool
)

var recordCmd = &cobra.Command{
	Use:   "record <create|read|update|delete>",
	Short: "Append one audit event",
	Long: `Append one audit event to the live audit file.

Snapshots and changes are JSON. Sensitive keys are redacted before the
event is written.

Examples:
  auditkit record create --entity-type invoice --entity-id inv-1 \
      --actor-id u-1 --actor-name Ada --after '{"amount":10}'
  auditkit record update --entity-type invoice --entity-id inv-1 --actor-id u-1 \
      --before '{"amount":10}' --after '{"amount":12}' \
      --changes '[{"field":"amount","oldValue":10,"newValue":12,"changeType":"modified"}]'
  auditkit record read --entity-type user --entity-id u-9 --actor-type ai \
      --actor-id agent-7 --co-author u-1 --fields email,phone --sensitive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, err := recordParams(model.Operation(strings.ToLower(args[0])))
		if err != nil {
			return err
		}
		e, err := model.NewEvent(p)
		if err != nil {
			return err
		}

		ctx := context.Background()
		session, err := openWriter(cfg)
		if err != nil {
			return err
		}
		recErr := session.writer.Record(ctx, e)
		if err := session.close(ctx); err != nil && recErr == nil {
			recErr = err
		}
		if recErr != nil {
			return recErr
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, map[string]any{"id": e.ID, "traceId": e.TraceID, "timestamp": e.Timestamp})
		}
		fmt.Fprintf(out, "Recorded %s %s %s\n",
			color.Operation(string(e.Operation())), color.Entity(e.EntityType+"/"+e.EntityID), color.EventID(e.ID))
		return nil
	},
}

func recordParams(op model.Operation) (model.Params, error) {
	p := model.Params{
		Meta: model.Meta{
			TraceID: recordTraceID,
			Actor: model.Actor{
				Type:     model.ActorType(recordActorType),
				ID:       recordActorID,
				Name:     recordActorName,
				CoAuthor: recordCoAuthor,
			},
			EntityType: recordEntityType,
			EntityID:   recordEntityID,
			Source:     model.Source(recordSource),
		},
		Operation: op,
	}

	var err error
	if p.Before, err = decodeFlag("--before", recordBefore); err != nil {
		return p, err
	}
	if p.After, err = decodeFlag("--after", recordAfter); err != nil {
		return p, err
	}
	if recordChanges != "" {
		raw, err := decodeFlag("--changes", recordChanges)
		if err != nil {
			return p, err
		}
		if p.Changes, err = toChanges(raw); err != nil {
			return p, err
		}
	}
	if len(recordFields) > 0 || recordSensitive {
		p.Access = &model.AccessDetails{Fields: recordFields, SensitiveData: recordSensitive}
	}
	return p, nil
}

func decodeFlag(name, value string) (any, error) {
	if value == "" {
		return nil, nil
	}
	v, err := jsonutil.Decode([]byte(value))
	if err != nil {
		return nil, errclass.ErrInvalidEvent.Wrapf(err, "%s is not valid JSON", name)
	}
	return v, nil
}

func toChanges(raw any) ([]model.FieldChange, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errclass.ErrInvalidEvent.WithMessage("--changes must be a JSON array")
	}
	changes := make([]model.FieldChange, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errclass.ErrInvalidEvent.WithMessagef("--changes[%d] must be an object", i)
		}
		field, _ := obj["field"].(string)
		changeType, _ := obj["changeType"].(string)
		changes = append(changes, model.FieldChange{
			Field:      field,
			OldValue:   obj["oldValue"],
			NewValue:   obj["newValue"],
			ChangeType: model.ChangeType(changeType),
		})
	}
	return changes, nil
}

func init() {
	recordCmd.Flags().StringVar(&recordEntityType, "entity-type", "", "type of the audited entity (required)")
	recordCmd.Flags().StringVar(&recordEntityID, "entity-id", "", "id of the audited entity (required)")
	recordCmd.Flags().StringVar(&recordActorType, "actor-type", string(model.ActorHuman), "actor type (human, ai, system)")
	recordCmd.Flags().StringVar(&recordActorID, "actor-id", "", "actor id (required)")
	recordCmd.Flags().StringVar(&recordActorName, "actor-name", "", "actor display name")
	recordCmd.Flags().StringVar(&recordCoAuthor, "co-author", "", "human who authorized an ai actor")
	recordCmd.Flags().StringVar(&recordSource, "source", string(model.SourceCLI), "source (cli, mcp, api, scheduler, test)")
	recordCmd.Flags().StringVar(&recordTraceID, "trace-id", "", "correlation id (generated when empty)")
	recordCmd.Flags().StringVar(&recordBefore, "before", "", "prior state as JSON")
	recordCmd.Flags().StringVar(&recordAfter, "after", "", "resulting state as JSON")
	recordCmd.Flags().StringVar(&recordChanges, "changes", "", "field changes of an update as a JSON array")
	recordCmd.Flags().StringSliceVar(&recordFields, "fields", nil, "fields touched by a read")
	recordCmd.Flags().BoolVar(&recordSensitive, "sensitive", false, "mark a read as touching sensitive data")
	rootCmd.AddCommand(recordCmd)
}

package query

import (
	"context"

	"github.com/auditkit/auditkit/pkg/model"
)

// Stats summarizes the events of a period.
type Stats struct {
	Period             model.DateRange         `json:"period"`
	TotalOperations    int                     `json:"totalOperations"`
	OperationsByType   map[model.Operation]int `json:"operationsByType"`
	OperationsByActor  map[model.ActorType]int `json:"operationsByActor"`
	OperationsByEntity map[string]int          `json:"operationsByEntity"`
	OperationsBySource map[model.Source]int    `json:"operationsBySource"`
}

// Aggregate folds events into Stats. Events outside period are ignored.
func Aggregate(events []*model.Event, period model.DateRange) *Stats {
	s := &Stats{
		Period:             period,
		OperationsByType:   make(map[model.Operation]int),
		OperationsByActor:  make(map[model.ActorType]int),
		OperationsByEntity: make(map[string]int),
		OperationsBySource: make(map[model.Source]int),
	}
	for _, e := range events {
		if e == nil || !period.Contains(e.Timestamp) {
			continue
		}
		s.TotalOperations++
		s.OperationsByType[e.Operation()]++
		s.OperationsByActor[e.Actor.Type]++
		s.OperationsByEntity[e.EntityType]++
		s.OperationsBySource[e.Source]++
	}
	return s
}

// Statistics aggregates the live file over period.
func (e *Engine) Statistics(ctx context.Context, period model.DateRange) (*Stats, error) {
	events, err := e.Query(ctx, model.Filter{DateRange: &period})
	if err != nil {
		return nil, err
	}
	return Aggregate(events, period), nil
}

// StatisticsAll aggregates the live file and every generation over period.
func (e *Engine) StatisticsAll(ctx context.Context, period model.DateRange) (*Stats, error) {
	events, err := e.QueryAll(ctx, model.Filter{DateRange: &period})
	if err != nil {
		return nil, err
	}
	return Aggregate(events, period), nil
}

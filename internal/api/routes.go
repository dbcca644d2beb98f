package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/auditkit/auditkit/internal/query"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/model"
)

const maxBodyBytes = 1 << 20

// RegisterRoutes mounts audit endpoints under /api/audit on the given router.
func RegisterRoutes(r chi.Router, recorder Recorder, engine *query.Engine) {
	r.Route("/api/audit", func(r chi.Router) {
		r.Get("/events", handleQuery(engine))
		r.Post("/events", handleRecord(recorder))
		r.Get("/stats", handleStats(engine))
		r.Get("/health", handleHealth(recorder))
	})
}

type eventsResponse struct {
	Events []*model.Event `json:"events"`
	Count  int            `json:"count"`
}

func handleQuery(engine *query.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter, err := parseFilter(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var events []*model.Event
		switch {
		case q.Get("all") == "true":
			events, err = engine.QueryAll(r.Context(), filter)
		case q.Get("generation") != "":
			n, convErr := strconv.Atoi(q.Get("generation"))
			if convErr != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid generation %q", q.Get("generation")))
				return
			}
			events, err = engine.QueryGeneration(r.Context(), n, filter)
		default:
			events, err = engine.Query(r.Context(), filter)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
	}
}

// recordRequest is the POST body. The server assigns id and timestamp.
type recordRequest struct {
	TraceID       string               `json:"traceId,omitempty"`
	Operation     model.Operation      `json:"operation"`
	Actor         model.Actor          `json:"actor"`
	EntityType    string               `json:"entityType"`
	EntityID      string               `json:"entityId"`
	Source        model.Source         `json:"source,omitempty"`
	Before        any                  `json:"before"`
	After         any                  `json:"after"`
	Changes       []model.FieldChange  `json:"changes,omitempty"`
	AccessDetails *model.AccessDetails `json:"accessDetails,omitempty"`
}

type recordResponse struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"traceId"`
	Timestamp time.Time       `json:"timestamp"`
	Operation model.Operation `json:"operation"`
}

func handleRecord(recorder Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("server is read-only"))
			return
		}

		var req recordRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errclass.ErrInvalidEvent.Wrap(err, "decode request body"))
			return
		}
		if req.Source == "" {
			req.Source = model.SourceAPI
		}

		e, err := model.NewEvent(model.Params{
			Meta: model.Meta{
				TraceID:    req.TraceID,
				Actor:      req.Actor,
				EntityType: req.EntityType,
				EntityID:   req.EntityID,
				Source:     req.Source,
			},
			Operation: req.Operation,
			Before:    req.Before,
			After:     req.After,
			Changes:   req.Changes,
			Access:    req.AccessDetails,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := recorder.Record(r.Context(), e); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, recordResponse{
			ID:        e.ID,
			TraceID:   e.TraceID,
			Timestamp: e.Timestamp,
			Operation: e.Operation(),
		})
	}
}

func handleStats(engine *query.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		period, err := parseRange(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var stats *query.Stats
		if q.Get("all") == "true" {
			stats, err = engine.StatisticsAll(r.Context(), period)
		} else {
			stats, err = engine.Statistics(r.Context(), period)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleHealth(recorder Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if recorder == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"healthy": false, "error": "no writer"})
			return
		}
		h := recorder.Health()
		status := http.StatusOK
		if !h.Healthy || h.Closed {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func parseFilter(q url.Values) (model.Filter, error) {
	f := model.Filter{
		Operation:  model.Operation(q.Get("operation")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorType:  model.ActorType(q.Get("actor_type")),
		ActorID:    q.Get("actor_id"),
		Source:     model.Source(q.Get("source")),
		TraceID:    q.Get("trace_id"),
	}
	if f.Operation != "" && !f.Operation.Valid() {
		return f, fmt.Errorf("invalid operation %q", f.Operation)
	}
	if f.ActorType != "" && !f.ActorType.Valid() {
		return f, fmt.Errorf("invalid actor_type %q", f.ActorType)
	}
	if f.Source != "" && !f.Source.Valid() {
		return f, fmt.Errorf("invalid source %q", f.Source)
	}

	if q.Get("since") != "" || q.Get("until") != "" {
		dr, err := parseRange(q)
		if err != nil {
			return f, err
		}
		f.DateRange = &dr
	}

	var err error
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseRange(q url.Values) (model.DateRange, error) {
	var dr model.DateRange
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return dr, fmt.Errorf("invalid since %q: want RFC3339", v)
		}
		dr.Start = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return dr, fmt.Errorf("invalid until %q: want RFC3339", v)
		}
		dr.End = t
	}
	return dr, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrInvalidEvent), errors.Is(err, errclass.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, errclass.ErrWriterClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if code := errclass.Code(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

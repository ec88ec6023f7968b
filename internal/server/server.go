package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/events"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/seq"
	"fleetwatch/internal/snapshot"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Logger    *slog.Logger
	// Snapshots serves POST /snapshot/generate. Nil builds directly on Engine.
	Snapshots SnapshotGenerator
}

// SnapshotGenerator builds a snapshot on demand.
type SnapshotGenerator interface {
	GenerateSnapshot(ctx context.Context) (domain.SnapshotInfo, error)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"events_expired"`
	Message string         `json:"message" example:"requested events have been purged"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fleetwatch API under cfg.BasePath,
// plus /metrics and /docs at the root.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	hcfg := huma.DefaultConfig("Fleetwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerIngest(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	var gen SnapshotGenerator = cfg.Engine
	if cfg.Snapshots != nil {
		gen = cfg.Snapshots
	}
	registerSnapshots(group, cfg.Engine, gen)
	registerAgents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return otelhttp.NewHandler(router, "fleetwatch.http"), nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, events.ErrRangeExpired):
		return newAPIError(http.StatusNotFound, "events_expired", msg, nil)
	case errors.Is(err, events.ErrAheadOfLog):
		return newAPIError(http.StatusNotFound, "events_ahead", msg, nil)
	case errors.Is(err, snapshot.ErrUnavailable):
		return newAPIError(http.StatusNotFound, "snapshot_unavailable", msg, nil)
	case errors.Is(err, snapshot.ErrStale):
		return newAPIError(http.StatusConflict, "snapshot_stale", msg, nil)
	case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidEnvelope):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, seq.ErrAllocation):
		return newAPIError(http.StatusInternalServerError, "allocation_failed", "could not allocate sequence number", map[string]any{"error": msg})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fleetwatch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		head, err := e.Head(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", MaxSeq: head.MaxSeq, Timestamp: time.Now().UTC()}}, nil
	})
}

func registerIngest(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Ingest one agent event",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		var env domain.Envelope
		if err := json.Unmarshal(input.RawBody, &env); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid JSON body", map[string]any{"error": err.Error()})
		}
		res, err := e.Ingest(ctx, env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Success: true, Message: "Event received", Seq: res.Event.Seq}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-batch",
		Method:      http.MethodPost,
		Path:        "/events/batch",
		Summary:     "Ingest a batch of agent events in order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		envs, err := decodeBatch(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res := e.IngestBatch(ctx, envs)
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(res)}, nil
	})
}

// decodeBatch accepts a bare array of envelopes or {"events": [...]}.
func decodeBatch(raw []byte) ([]domain.Envelope, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("request body is required")
	}
	var envs []domain.Envelope
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &envs); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return envs, nil
	}
	var wrapped struct {
		Events []domain.Envelope `json:"events"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if wrapped.Events == nil {
		return nil, fmt.Errorf("events array is required")
	}
	return wrapped.Events, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "events-since",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Events after a sequence number",
		Description: "Returns events with seq > since in ascending order. A 404 with code events_expired or events_ahead means the client must re-bootstrap from the latest snapshot.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Since int64 `query:"since" minimum:"0" doc:"Last seq the client has applied"`
		Limit int   `query:"limit" minimum:"0" doc:"Page size; defaults to the server setting"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		page, err := e.EventsSince(ctx, input.Since, input.Limit)
		if err != nil {
			if errors.Is(err, events.ErrRangeExpired) || errors.Is(err, events.ErrAheadOfLog) {
				return nil, gapError(ctx, e, input.Since, err)
			}
			return nil, handleError(err)
		}
		items := page.Events
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Since: input.Since, Events: items, MaxSeq: page.Head}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "events-max-seq",
		Method:      http.MethodGet,
		Path:        "/events/max-seq",
		Summary:     "Highest committed seq and retention floor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Head `json:"body"`
	}, error) {
		head, err := e.Head(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Head `json:"body"`
		}{Body: head}, nil
	})
}

func gapError(ctx context.Context, e engine.Engine, since int64, cause error) huma.StatusError {
	apiErr := handleError(cause).(*apiError)
	details := map[string]any{"since": since}
	if head, err := e.Head(ctx); err == nil {
		details["maxSeq"] = head.MaxSeq
		details["floor"] = head.Floor
	}
	apiErr.Body.Details = details
	return apiErr
}

func registerSnapshots(api huma.API, e engine.Engine, gen SnapshotGenerator) {
	huma.Register(api, huma.Operation{
		OperationID: "snapshot-latest",
		Method:      http.MethodGet,
		Path:        "/snapshot/latest",
		Summary:     "Latest retained snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.LatestSnapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot-get",
		Method:      http.MethodGet,
		Path:        "/snapshot/{snapshot_id}",
		Summary:     "Snapshot by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SnapshotID string `path:"snapshot_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.GetSnapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot-generate",
		Method:      http.MethodPost,
		Path:        "/snapshot/generate",
		Summary:     "Build a snapshot now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotGenerated `json:"body"`
	}, error) {
		info, err := gen.GenerateSnapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotGenerated `json:"body"`
		}{Body: SnapshotGenerated{Success: true, Message: "Snapshot generated", Snapshot: info}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot-list",
		Method:      http.MethodGet,
		Path:        "/snapshots",
		Summary:     "Retained snapshots, newest watermark first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*struct {
		Body SnapshotList `json:"body"`
	}, error) {
		items, err := e.ListSnapshots(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SnapshotInfo{}
		}
		return &struct {
			Body SnapshotList `json:"body"`
		}{Body: SnapshotList{Items: items}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agents-list",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Current agent states",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"online,offline,error,busy,thinking,ready,initializing"`
		ServerID string `query:"serverId"`
	}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		agents, err := e.ListAgents(ctx, repo.AgentFilters{Status: input.Status, ServerID: input.ServerID})
		if err != nil {
			return nil, handleError(err)
		}
		if agents == nil {
			agents = []domain.AgentState{}
		}
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Agents: agents, Total: len(agents)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agents-stats",
		Method:      http.MethodGet,
		Path:        "/agents/stats",
		Summary:     "Agent counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.AgentStats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AgentStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agents-get",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "One agent's current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentState `json:"body"`
	}, error) {
		agent, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentState `json:"body"`
		}{Body: agent}, nil
	})
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/dbtest"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Clock  *clock
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	e, err := engine.New(dbtest.Open(t), cfg)
	require.NoError(t, err)
	c := &clock{t: time.Now().UTC()}
	e = e.WithNow(c.Now)
	handler, err := New(Config{Engine: e, BasePath: "/api"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Clock:  c,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func envelope(agent, typ string, data map[string]any) map[string]any {
	return map[string]any{
		"protocol": "agent-monitor",
		"version":  "1.0",
		"source":   map[string]any{"agent_id": agent, "server_id": "srv-1", "framework": "crewai"},
		"event":    map[string]any{"type": typ, "data": data},
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestIngestThenSyncFromSnapshot(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_online", nil))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var ingested IngestResponse
	require.NoError(t, json.Unmarshal(body, &ingested))
	assert.True(t, ingested.Success)
	assert.Equal(t, "Event received", ingested.Message)
	assert.Equal(t, int64(1), ingested.Seq)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_error", map[string]any{"error": "boom"}))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/snapshot/generate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var gen SnapshotGenerated
	require.NoError(t, json.Unmarshal(body, &gen))
	assert.Equal(t, int64(2), gen.Snapshot.Seq)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_offline", nil))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/snapshot/latest", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, gen.Snapshot.SnapshotID, snap.SnapshotID)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "error", snap.Agents[0].Status)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?since=2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page EventsResponse
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, int64(2), page.Since)
	assert.Equal(t, int64(3), page.MaxSeq)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "agent_offline", page.Events[0].Type)
	assert.Equal(t, "a1", page.Events[0].SubjectID)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/snapshot/"+snap.SnapshotID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/snapshots", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list SnapshotList
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Items, 1)
}

func TestCaughtUpReturnsEmptyEvents(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/events?since=0", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page EventsResponse
	require.NoError(t, json.Unmarshal(body, &page))
	assert.NotNil(t, page.Events)
	assert.Empty(t, page.Events)
	assert.Zero(t, page.MaxSeq)
	assert.Contains(t, string(body), `"events":[]`)
}

func TestSinceAheadOfLog(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_online", nil))

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/events?since=10", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "events_ahead", env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["maxSeq"])
}

func TestPurgedRangeAsksForRebootstrap(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_working", map[string]any{"task": i}))
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	}
	srv.Clock.Advance(2 * time.Hour)
	purge, err := srv.Engine.Events.ExpireOlderThan(ctx, time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, int64(50), purge.PurgedThrough)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/events?since=10", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "events_expired", env.Error.Code)
	assert.EqualValues(t, 50, env.Error.Details["floor"])

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/events/max-seq", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var head engine.Head
	require.NoError(t, json.Unmarshal(body, &head))
	assert.Equal(t, engine.Head{MaxSeq: 50, Floor: 50}, head)
}

func TestSnapshotUnavailable(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/snapshot/latest", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "snapshot_unavailable", env.Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/snapshot/nope", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestIngestValidation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("", "agent_online", nil))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "bad_request", env.Error.Code)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/events", bytes.NewReader([]byte(`{not json`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	raw, err := client.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestIngestAcceptsJSONBodies(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_online", map[string]any{"role": "planner"}))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var one IngestResponse
	require.NoError(t, json.Unmarshal(body, &one))
	assert.True(t, one.Success)
	assert.Equal(t, int64(1), one.Seq)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/events/batch", []any{
		envelope("a1", "agent_working", nil),
		envelope("a2", "agent_online", nil),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/events/batch", map[string]any{
		"events": []any{envelope("a3", "agent_online", nil)},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var batch BatchResponse
	require.NoError(t, json.Unmarshal(body, &batch))
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, int64(4), batch.LastSeq)

	// No Content-Type header at all.
	raw, err := client.Post(srv.URL+"/api/events", "", bytes.NewReader([]byte(`{"source":{"agent_id":"a4"},"event":{"type":"agent_online"}}`)))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusOK, raw.StatusCode)
}

type stubGenerator struct {
	calls int
	info  domain.SnapshotInfo
}

func (g *stubGenerator) GenerateSnapshot(context.Context) (domain.SnapshotInfo, error) {
	g.calls++
	return g.info, nil
}

func TestGenerateUsesConfiguredGenerator(t *testing.T) {
	e, err := engine.New(dbtest.Open(t), config.Default())
	require.NoError(t, err)
	gen := &stubGenerator{info: domain.SnapshotInfo{SnapshotID: "snap-1", Seq: 7}}
	handler, err := New(Config{Engine: e, Snapshots: gen})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/snapshot/generate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var out SnapshotGenerated
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "snap-1", out.Snapshot.SnapshotID)
	assert.Equal(t, 1, gen.calls)
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/api/openapi.json")
			if !assert.NoError(t, err) {
				return
			}
			var doc map[string]any
			assert.NoError(t, json.NewDecoder(res.Body).Decode(&doc))
			res.Body.Close()
			assert.Contains(t, doc, "paths")
		}()
	}
	wg.Wait()
}

func TestBatchReportsPerItemFailures(t *testing.T) {
	srv := newTestServer(t)
	batch := []map[string]any{
		envelope("a1", "agent_online", nil),
		envelope("", "agent_online", nil),
		envelope("a2", "agent_online", map[string]any{"role": "writer"}),
	}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/events/batch", batch)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var out BatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "Events processed", out.Message)
	assert.Equal(t, 3, out.Received)
	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 1, out.Errors[0].Index)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/events/batch", map[string]any{"events": batch[:1]})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Processed)
}

func TestAgentsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_online", map[string]any{"role": "researcher"}))
	doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a2", "agent_online", nil))
	doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a2", "agent_offline", nil))

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/agents?status=online", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var agents AgentsResponse
	require.NoError(t, json.Unmarshal(body, &agents))
	require.Equal(t, 1, agents.Total)
	assert.Equal(t, "researcher", agents.Agents[0].Role)
	assert.Equal(t, "srv-1", agents.Agents[0].ServerID)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/a2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var a2 domain.AgentState
	require.NoError(t, json.Unmarshal(body, &a2))
	assert.Equal(t, "offline", a2.Status)
	assert.Equal(t, int64(3), a2.LastSeq)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var stats engine.AgentStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Online)
}

func TestHealthMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/api/events", envelope("a1", "agent_online", nil))

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "fleetwatch_events_appended_total")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "/api/events/max-seq")
}

type hookReceiver struct {
	mu       sync.Mutex
	received []webhookEvent
	headers  []http.Header
	status   int
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.status
	if status == 0 {
		status = http.StatusNoContent
	}
	if status < 300 {
		h.received = append(h.received, evt)
		h.headers = append(h.headers, r.Header.Clone())
	}
	w.WriteHeader(status)
}

func TestWebhookRelayDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	recv := &hookReceiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	_, err := srv.Engine.Ingest(ctx, domain.Envelope{Source: domain.Source{AgentID: "a1"}, Event: domain.EnvelopeEvent{Type: "agent_online"}})
	require.NoError(t, err)

	relay := NewWebhookRelay(srv.Engine, []config.Webhook{
		{ID: "all", URL: hookSrv.URL, Secret: "s3cret", Enabled: true},
		{ID: "off", URL: hookSrv.URL, Enabled: false},
	}, nil)
	require.NotNil(t, relay)
	relay.DispatchAll(ctx)
	cur, ok := relay.Cursor(0)
	require.True(t, ok)
	assert.Equal(t, int64(1), cur)

	for _, typ := range []string{"agent_working", "agent_error"} {
		_, err := srv.Engine.Ingest(ctx, domain.Envelope{Source: domain.Source{AgentID: "a1"}, Event: domain.EnvelopeEvent{Type: typ}})
		require.NoError(t, err)
	}
	relay.DispatchAll(ctx)

	recv.mu.Lock()
	defer recv.mu.Unlock()
	require.Len(t, recv.received, 2)
	assert.Equal(t, int64(2), recv.received[0].Seq)
	assert.Equal(t, "agent_error", recv.received[1].Type)
	assert.Equal(t, "s3cret", recv.headers[0].Get("X-Fleetwatch-Secret"))
	assert.Equal(t, "3", recv.headers[1].Get("X-Fleetwatch-Delivery"))
}

func TestWebhookRelayFiltersAndRetries(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	recv := &hookReceiver{status: http.StatusInternalServerError}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	relay := NewWebhookRelay(srv.Engine, []config.Webhook{{URL: hookSrv.URL, Events: []string{"agent_error"}, Enabled: true}}, nil)
	relay.DispatchAll(ctx)
	for _, typ := range []string{"agent_online", "agent_error"} {
		_, err := srv.Engine.Ingest(ctx, domain.Envelope{Source: domain.Source{AgentID: "a1"}, Event: domain.EnvelopeEvent{Type: typ}})
		require.NoError(t, err)
	}

	relay.DispatchAll(ctx)
	cur, _ := relay.Cursor(0)
	assert.Equal(t, int64(1), cur, "filtered event advances, failed delivery does not")

	recv.mu.Lock()
	recv.status = http.StatusOK
	recv.mu.Unlock()
	relay.DispatchAll(ctx)
	cur, _ = relay.Cursor(0)
	assert.Equal(t, int64(2), cur)
	recv.mu.Lock()
	assert.Len(t, recv.received, 1)
	recv.mu.Unlock()
}

func TestWebhookRelayJumpsPastPurgedRange(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	recv := &hookReceiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	relay := NewWebhookRelay(srv.Engine, []config.Webhook{{URL: hookSrv.URL, Enabled: true}}, nil)
	relay.setCursor(0, 0)
	for i := 0; i < 5; i++ {
		_, err := srv.Engine.Ingest(ctx, domain.Envelope{Source: domain.Source{AgentID: "a1"}, Event: domain.EnvelopeEvent{Type: "agent_online"}})
		require.NoError(t, err)
	}
	srv.Clock.Advance(2 * time.Hour)
	_, err := srv.Engine.Events.ExpireOlderThan(ctx, time.Hour, 3)
	require.NoError(t, err)

	relay.DispatchAll(ctx)
	cur, _ := relay.Cursor(0)
	assert.Equal(t, int64(5), cur)
	recv.mu.Lock()
	assert.Empty(t, recv.received)
	recv.mu.Unlock()
}

func TestNewWebhookRelayWithoutHooks(t *testing.T) {
	assert.Nil(t, NewWebhookRelay(engine.Engine{}, nil, nil))
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/pipeline"
)

type recordingQueue struct {
	mu    sync.Mutex
	count int
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.count++
	return fmt.Sprintf("task-%d", q.count), nil
}

type testEnv struct {
	srv   *httptest.Server
	store *pipeline.RedisStore
	api   *Server
}

func newTestEnv(t *testing.T, tokens string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := pipeline.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := pipeline.NewOrchestrator(store, &recordingQueue{})
	api := NewServer(Options{Store: store, Orchestrator: orch, APITokens: tokens})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, api: api}
}

func (e *testEnv) do(t *testing.T, method, path, company string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if company != "" {
		req.Header.Set("X-Company-ID", company)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func validPipelineBody() map[string]any {
	return map[string]any{
		"name": "welcome drip",
		"steps": []map[string]any{
			{"order": 1, "delay_hours": 0, "template_id": "tpl-welcome"},
			{"order": 2, "delay_hours": 24, "template_id": "tpl-followup"},
		},
	}
}

func TestTokenAuthResolvesCompany(t *testing.T) {
	env := newTestEnv(t, "secret-a:acme, secret-b:globex")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/pipelines", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/pipelines", nil)
	req.Header.Set("Authorization", "Bearer secret-a")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err = http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}

// plainBus satisfies bus.Bus without being a NATS connection.
type plainBus struct{}

func (plainBus) Publish(subject string, env *bus.Envelope) error { return nil }
func (plainBus) Subscribe(subject, queue string, handler func(*bus.Envelope) error) error {
	return nil
}

func TestStatusReportsBusState(t *testing.T) {
	env := newTestEnv(t, "")

	// No bus wired at all.
	resp := env.do(t, http.MethodGet, "/api/v1/status", "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["bus"] != "disabled" {
		t.Fatalf("bus = %v, want disabled", body["bus"])
	}

	// A non-NATS bus implementation has no connection state to report.
	mr := miniredis.RunT(t)
	store, err := pipeline.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	api := NewServer(Options{
		Store:        store,
		Orchestrator: pipeline.NewOrchestrator(store, &recordingQueue{}),
		Bus:          plainBus{},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("X-Company-ID", "acme")
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	t.Cleanup(func() { raw.Body.Close() })
	body = decodeBody[map[string]any](t, raw)
	if body["bus"] != "disabled" {
		t.Fatalf("bus = %v, want disabled for non-NATS bus", body["bus"])
	}
}

func TestCreateAndGetPipeline(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", validPipelineBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[*pipeline.Pipeline](t, resp)
	if created.ID == "" || !created.IsActive {
		t.Fatalf("created = %+v", created)
	}
	if len(created.Steps) != 2 || created.Steps[0].TemplateID != "tpl-welcome" {
		t.Fatalf("steps = %+v", created.Steps)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/pipelines/"+created.ID, "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	// Another tenant sees absence, not forbidden.
	resp = env.do(t, http.MethodGet, "/api/v1/pipelines/"+created.ID, "globex", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant status = %d, want 404", resp.StatusCode)
	}
}

func TestCreatePipelineValidation(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"steps": []map[string]any{}}},
		{"unknown field", func() map[string]any {
			b := validPipelineBody()
			b["surprise"] = true
			return b
		}()},
		{"negative delay", map[string]any{
			"name":  "bad",
			"steps": []map[string]any{{"order": 1, "delay_hours": -1, "template_id": "tpl"}},
		}},
		{"missing template", map[string]any{
			"name":  "bad",
			"steps": []map[string]any{{"order": 1, "delay_hours": 0}},
		}},
		{"duplicate order", map[string]any{
			"name": "bad",
			"steps": []map[string]any{
				{"order": 1, "template_id": "a"},
				{"order": 1, "template_id": "b"},
			},
		}},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestCreatePipelineRejectsExistingID(t *testing.T) {
	env := newTestEnv(t, "")

	body := validPipelineBody()
	body["id"] = "pipe-fixed"
	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	// Re-posting the same ID must not overwrite, even for the owner.
	body["name"] = "overwrite attempt"
	resp = env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("same-company repost status = %d, want 409", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/v1/pipelines", "globex", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cross-company repost status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/pipelines/pipe-fixed", "acme", nil)
	got := decodeBody[*pipeline.Pipeline](t, resp)
	if got.Name != "welcome drip" {
		t.Fatalf("name = %q, pipeline was overwritten", got.Name)
	}

	// Updates still go through PUT.
	resp = env.do(t, http.MethodPut, "/api/v1/pipelines/pipe-fixed", "acme", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
}

func TestUpdateAndDeletePipeline(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", validPipelineBody())
	created := decodeBody[*pipeline.Pipeline](t, resp)

	update := validPipelineBody()
	update["name"] = "renamed"
	resp = env.do(t, http.MethodPut, "/api/v1/pipelines/"+created.ID, "acme", update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[*pipeline.Pipeline](t, resp)
	if updated.Name != "renamed" {
		t.Fatalf("name = %q", updated.Name)
	}

	resp = env.do(t, http.MethodPut, "/api/v1/pipelines/"+created.ID, "globex", update)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant update status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/pipelines/"+created.ID, "acme", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/pipelines/"+created.ID, "acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

type startResponse struct {
	BatchID    string                        `json:"batch_id"`
	Message    string                        `json:"message"`
	Executions []*pipeline.PipelineExecution `json:"executions"`
}

func TestStartPipeline(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", validPipelineBody())
	created := decodeBody[*pipeline.Pipeline](t, resp)

	resp = env.do(t, http.MethodPost, "/api/v1/pipelines/"+created.ID+"/start", "acme",
		map[string]any{"lead_ids": []string{"lead-1", "lead-2"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	started := decodeBody[startResponse](t, resp)
	if started.Message != "Pipeline started for 2 leads" {
		t.Fatalf("message = %q", started.Message)
	}
	if len(started.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(started.Executions))
	}

	resp = env.do(t, http.MethodPost, "/api/v1/pipelines/"+created.ID+"/start", "acme",
		map[string]any{"lead_ids": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty leads status = %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/pipelines/missing/start", "acme",
		map[string]any{"lead_ids": []string{"lead-1"}})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing pipeline status = %d, want 404", resp.StatusCode)
	}
}

func TestStartPipelineIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", validPipelineBody())
	created := decodeBody[*pipeline.Pipeline](t, resp)

	start := func() *http.Response {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(map[string]any{"lead_ids": []string{"lead-1"}})
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/pipelines/"+created.ID+"/start", &buf)
		req.Header.Set("X-Company-ID", "acme")
		req.Header.Set("Idempotency-Key", "batch-42")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	first := decodeBody[startResponse](t, start())
	if len(first.Executions) != 1 {
		t.Fatalf("first start executions = %d, want 1", len(first.Executions))
	}
	second := decodeBody[startResponse](t, start())
	if second.BatchID != first.BatchID {
		t.Fatalf("replay batch = %q, want %q", second.BatchID, first.BatchID)
	}
	if len(second.Executions) != 0 {
		t.Fatalf("replay started %d new executions", len(second.Executions))
	}

	// Only one execution exists for the lead.
	resp = env.do(t, http.MethodGet, "/api/v1/leads/lead-1/executions", "acme", nil)
	execs := decodeBody[[]*pipeline.PipelineExecution](t, resp)
	if len(execs) != 1 {
		t.Fatalf("lead has %d executions, want 1", len(execs))
	}
}

func TestExecutionEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", "acme", validPipelineBody())
	created := decodeBody[*pipeline.Pipeline](t, resp)
	resp = env.do(t, http.MethodPost, "/api/v1/pipelines/"+created.ID+"/start", "acme",
		map[string]any{"lead_ids": []string{"lead-1"}})
	started := decodeBody[startResponse](t, resp)
	execID := started.Executions[0].ID

	resp = env.do(t, http.MethodGet, "/api/v1/executions/"+execID, "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get execution status = %d", resp.StatusCode)
	}
	exec := decodeBody[*pipeline.PipelineExecution](t, resp)
	if exec.Status != pipeline.ExecutionStatusRunning {
		t.Fatalf("status = %q, want running", exec.Status)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/steps", "acme", nil)
	steps := decodeBody[[]*pipeline.StepExecution](t, resp)
	if len(steps) != 1 || steps[0].TemplateID != "tpl-welcome" {
		t.Fatalf("steps = %+v", steps)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/timeline", "acme", nil)
	timeline := decodeBody[[]pipeline.TimelineEvent](t, resp)
	if len(timeline) == 0 || timeline[0].Type != pipeline.EventExecutionStarted {
		t.Fatalf("timeline = %+v", timeline)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/executions/"+execID, "globex", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant execution status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "globex", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant cancel status = %d, want 404", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "acme", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/executions/"+execID, "acme", nil)
	exec = decodeBody[*pipeline.PipelineExecution](t, resp)
	if exec.Status != pipeline.ExecutionStatusCancelled {
		t.Fatalf("status after cancel = %q", exec.Status)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/pipelines/"+created.ID+"/executions", "acme", nil)
	list := decodeBody[[]*pipeline.PipelineExecution](t, resp)
	if len(list) != 1 {
		t.Fatalf("pipeline executions = %d, want 1", len(list))
	}
}

func TestStreamDeliversCompanyEvents(t *testing.T) {
	env := newTestEnv(t, "")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/stream"
	header := http.Header{"X-Company-ID": []string{"acme"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server goroutine a beat to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.api.hub.mu.Lock()
		n := len(env.api.hub.clients)
		env.api.hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.api.hub.broadcast(&pipeline.Event{Type: pipeline.EventStepSent, CompanyID: "globex", ExecutionID: "other"})
	env.api.hub.broadcast(&pipeline.Event{Type: pipeline.EventStepSent, CompanyID: "acme", ExecutionID: "mine"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt pipeline.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.ExecutionID != "mine" {
		t.Fatalf("received foreign event: %+v", evt)
	}
}

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"fieldtask/internal/auth"
	"fieldtask/internal/core"
	"fieldtask/internal/store"
)

type testActor struct {
	id   string
	role string
}

var (
	supervisor = testActor{id: "sup-1", role: "SUPERVISOR"}
	operator   = testActor{id: "u-1", role: "OPERATOR"}
	operator2  = testActor{id: "u-2", role: "OPERATOR"}
)

func newTestServer(t *testing.T, configure func(*Options)) *Server {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts := Options{
		Engine:      core.NewEngine(st),
		Location:    time.UTC,
		OverdueCron: "*/15 * * * *",
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func doRequest(t *testing.T, srv *Server, as *testActor, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(headerActorID, as.id)
		req.Header.Set(headerActorRole, as.role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeResponse[map[string]map[string]string](t, rec)
	return body["error"]["code"]
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func inspectionRequest() map[string]any {
	return map[string]any{
		"title":       "Inspect vending machine",
		"type":        "INSPECTION",
		"priority":    "high",
		"machine_id":  "m-42",
		"assigned_to": operator.id,
		"checklists": []map[string]any{{
			"name": "Safety",
			"steps": []map[string]any{
				{"title": "Check door lock"},
				{"title": "Photograph panel", "requires_photo": true},
			},
		}},
	}
}

// createStartedTask creates the inspection task and starts it as operator.
func createStartedTask(t *testing.T, srv *Server) (taskResponse, []checklistResponse) {
	t.Helper()
	rec := doRequest(t, srv, &supervisor, http.MethodPost, "/v1/tasks", inspectionRequest())
	expectStatus(t, rec, http.StatusCreated)
	task := decodeResponse[taskResponse](t, rec)
	if task.Status != "ASSIGNED" || task.Priority != "HIGH" {
		t.Fatalf("unexpected created task: %+v", task)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/tasks/"+task.ID+"/start", map[string]any{
		"location": map[string]any{"latitude": 52.1, "longitude": 4.3},
	})
	expectStatus(t, rec, http.StatusOK)

	rec = doRequest(t, srv, &operator, http.MethodGet, "/v1/tasks/"+task.ID+"/checklists", nil)
	expectStatus(t, rec, http.StatusOK)
	checklists := decodeResponse[[]checklistResponse](t, rec)
	if len(checklists) != 1 || len(checklists[0].Steps) != 2 {
		t.Fatalf("unexpected checklists: %+v", checklists)
	}
	return task, checklists
}

func TestTaskFlowAutoCompletes(t *testing.T) {
	srv := newTestServer(t, nil)
	task, checklists := createStartedTask(t, srv)
	steps := checklists[0].Steps

	rec := doRequest(t, srv, &operator, http.MethodPost, "/v1/steps/"+steps[0].ID+"/executions", map[string]any{
		"result": map[string]any{"locked": true},
	})
	expectStatus(t, rec, http.StatusCreated)
	exec := decodeResponse[executionResponse](t, rec)
	if exec.Status != "COMPLETED" || exec.TaskID != task.ID || exec.CompletedAt == nil {
		t.Fatalf("unexpected execution: %+v", exec)
	}

	rec = doRequest(t, srv, &operator, http.MethodGet, "/v1/tasks/"+task.ID+"/progress", nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decodeResponse[progressResponse](t, rec); p.Progress != 50 || p.CompletedSteps != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/steps/"+steps[1].ID+"/executions", map[string]any{})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if code := errorCode(t, rec); code != "missing_evidence" {
		t.Fatalf("unexpected error code %q", code)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/steps/"+steps[1].ID+"/executions", map[string]any{
		"photos": []string{"https://cdn/panel.jpg"},
	})
	expectStatus(t, rec, http.StatusCreated)

	rec = doRequest(t, srv, &operator, http.MethodGet, "/v1/tasks/"+task.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	got := decodeResponse[taskResponse](t, rec)
	if got.Status != "COMPLETED" || got.CompletedAt == nil || got.ActualDuration == nil {
		t.Fatalf("expected auto-completed task, got %+v", got)
	}

	rec = doRequest(t, srv, &operator, http.MethodGet, "/v1/tasks/"+task.ID+"/actions", nil)
	expectStatus(t, rec, http.StatusOK)
	actions := decodeResponse[[]actionResponse](t, rec)
	last := actions[len(actions)-1]
	if last.Action != "COMPLETED" || last.Metadata["autoCompleted"] != true {
		t.Fatalf("unexpected last action: %+v", last)
	}

	rec = doRequest(t, srv, &operator, http.MethodGet, "/v1/steps/"+steps[1].ID+"/executions", nil)
	expectStatus(t, rec, http.StatusOK)
	if execs := decodeResponse[[]executionResponse](t, rec); len(execs) != 1 {
		t.Fatalf("expected one persisted execution, got %d", len(execs))
	}
}

func TestEngineErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	task, _ := createStartedTask(t, srv)

	cases := []struct {
		name   string
		as     *testActor
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing actor", nil, http.MethodGet, "/v1/tasks", nil, http.StatusUnauthorized, "unauthorized"},
		{"unknown task", &operator, http.MethodGet, "/v1/tasks/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown step", &operator, http.MethodPost, "/v1/steps/nope/executions", map[string]any{}, http.StatusNotFound, "not_found"},
		{"not assignee", &operator2, http.MethodPost, "/v1/tasks/" + task.ID + "/complete", map[string]any{}, http.StatusForbidden, "forbidden_assignee"},
		{"start twice", &operator, http.MethodPost, "/v1/tasks/" + task.ID + "/start", nil, http.StatusConflict, "invalid_state"},
		{"assign in progress", &supervisor, http.MethodPost, "/v1/tasks/" + task.ID + "/assign", map[string]any{"assignee_id": "u-2"}, http.StatusConflict, "invalid_state"},
		{"empty title", &supervisor, http.MethodPost, "/v1/tasks", map[string]any{"title": " "}, http.StatusBadRequest, "invalid_input"},
		{"bad status filter", &supervisor, http.MethodGet, "/v1/tasks?status=DONE", nil, http.StatusBadRequest, "invalid_input"},
		{"bad date filter", &supervisor, http.MethodGet, "/v1/tasks?due_to=yesterday", nil, http.StatusBadRequest, "invalid_input"},
		{"bad role", &testActor{id: "x", role: "ROOT"}, http.MethodGet, "/v1/tasks", nil, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv, tc.as, tc.method, tc.path, tc.body)
			expectStatus(t, rec, tc.status)
			if code := errorCode(t, rec); code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{"))
	req.Header.Set(headerActorID, supervisor.id)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
	if code := errorCode(t, rec); code != "invalid_json" {
		t.Fatalf("expected invalid_json, got %q", code)
	}
}

func TestManualCompleteAndCancel(t *testing.T) {
	srv := newTestServer(t, nil)
	task, _ := createStartedTask(t, srv)

	rec := doRequest(t, srv, &operator, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", map[string]any{
		"notes":  "done by hand",
		"photos": []string{"p1.jpg", ""},
	})
	expectStatus(t, rec, http.StatusOK)
	done := decodeResponse[taskResponse](t, rec)
	if done.Status != "COMPLETED" || len(done.Photos) != 1 {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", map[string]any{"reason": "late"})
	expectStatus(t, rec, http.StatusConflict)

	rec = doRequest(t, srv, &supervisor, http.MethodPost, "/v1/tasks", map[string]any{"title": "Refill"})
	expectStatus(t, rec, http.StatusCreated)
	other := decodeResponse[taskResponse](t, rec)
	rec = doRequest(t, srv, &supervisor, http.MethodPost, "/v1/tasks/"+other.ID+"/cancel", map[string]any{"reason": "duplicate"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeResponse[taskResponse](t, rec); got.Status != "CANCELLED" {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestListAndStatistics(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, p := range []string{"LOW", "URGENT", "MEDIUM"} {
		rec := doRequest(t, srv, &supervisor, http.MethodPost, "/v1/tasks", map[string]any{
			"title": "Task " + p, "priority": p, "type": "REFILL",
		})
		expectStatus(t, rec, http.StatusCreated)
	}

	rec := doRequest(t, srv, &supervisor, http.MethodGet, "/v1/tasks?limit=2&status=CREATED", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeResponse[taskListResponse](t, rec)
	if list.Total != 3 || len(list.Tasks) != 2 || list.Limit != 2 {
		t.Fatalf("unexpected page: total=%d len=%d limit=%d", list.Total, len(list.Tasks), list.Limit)
	}
	if list.Tasks[0].Priority != "URGENT" || list.Tasks[1].Priority != "MEDIUM" {
		t.Fatalf("unexpected order: %s, %s", list.Tasks[0].Priority, list.Tasks[1].Priority)
	}

	rec = doRequest(t, srv, &supervisor, http.MethodGet, "/v1/tasks/statistics?type=REFILL", nil)
	expectStatus(t, rec, http.StatusOK)
	stats := decodeResponse[statisticsResponse](t, rec)
	if stats.Total != 3 || stats.ByStatus["CREATED"] != 3 || stats.ByType["REFILL"] != 3 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestBearerAuthentication(t *testing.T) {
	secret := []byte("test-secret")
	srv := newTestServer(t, func(o *Options) {
		o.Auth = auth.NewHMAC(secret, "fieldtask", "")
	})

	rec := doRequest(t, srv, &supervisor, http.MethodPost, "/v1/tasks", map[string]any{"title": "x"})
	expectStatus(t, rec, http.StatusUnauthorized)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "sup-9",
		"aud":  "fieldtask",
		"role": "supervisor",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = doRequest(t, srv, nil, http.MethodPost, "/v1/tasks", map[string]any{"title": "x"}, "Authorization", "Bearer "+token)
	expectStatus(t, rec, http.StatusCreated)
	if got := decodeResponse[taskResponse](t, rec); got.CreatedBy != "sup-9" {
		t.Fatalf("expected creator from token, got %q", got.CreatedBy)
	}
}

func TestIdempotentStepSubmission(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := newTestServer(t, func(o *Options) {
		o.Deduper = NewRedisDeduper(client, time.Minute)
	})
	_, checklists := createStartedTask(t, srv)
	photoStep := checklists[0].Steps[1]
	path := "/v1/steps/" + photoStep.ID + "/executions"

	// A rejected submission releases its key.
	rec := doRequest(t, srv, &operator, http.MethodPost, path, map[string]any{}, headerIdempotencyKey, "k-1")
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	body := map[string]any{"photos": []string{"p.jpg"}}
	rec = doRequest(t, srv, &operator, http.MethodPost, path, body, headerIdempotencyKey, "k-1")
	expectStatus(t, rec, http.StatusCreated)

	rec = doRequest(t, srv, &operator, http.MethodPost, path, body, headerIdempotencyKey, "k-1")
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "duplicate_submission" {
		t.Fatalf("expected duplicate_submission, got %q", code)
	}

	rec = doRequest(t, srv, &operator, http.MethodGet, path, nil)
	if execs := decodeResponse[[]executionResponse](t, rec); len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}
}

// cascadeFailingEngine records the execution and then fails the way a broken
// cascade write would.
type cascadeFailingEngine struct {
	Engine
}

func (e cascadeFailingEngine) ExecuteStep(ctx context.Context, stepID string, actor core.Actor, in core.ExecuteStepInput) (*core.StepExecution, error) {
	if _, err := e.Engine.ExecuteStep(ctx, stepID, actor, in); err != nil {
		return nil, err
	}
	return nil, &core.Error{Kind: core.ErrPersistence, Op: "check task completion", Err: errors.New("disk I/O error")}
}

func TestIdempotencyKeyKeptAfterRecordedExecution(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := newTestServer(t, func(o *Options) {
		o.Engine = cascadeFailingEngine{Engine: o.Engine}
		o.Deduper = NewRedisDeduper(client, time.Minute)
	})
	_, checklists := createStartedTask(t, srv)
	step := checklists[0].Steps[0]
	path := "/v1/steps/" + step.ID + "/executions"

	rec := doRequest(t, srv, &operator, http.MethodPost, path, map[string]any{}, headerIdempotencyKey, "k-9")
	expectStatus(t, rec, http.StatusInternalServerError)

	rec = doRequest(t, srv, &operator, http.MethodPost, path, map[string]any{}, headerIdempotencyKey, "k-9")
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "duplicate_submission" {
		t.Fatalf("expected duplicate_submission, got %q", code)
	}

	rec = doRequest(t, srv, &operator, http.MethodGet, path, nil)
	if execs := decodeResponse[[]executionResponse](t, rec); len(execs) != 1 {
		t.Fatalf("retry must not record a second execution, got %d", len(execs))
	}
}

func TestRejectedBeforeWrite(t *testing.T) {
	cases := []struct {
		kind error
		want bool
	}{
		{core.ErrNotFound, true},
		{core.ErrForbiddenAssignee, true},
		{core.ErrInvalidState, true},
		{core.ErrMissingEvidence, true},
		{core.ErrInvalidInput, true},
		{core.ErrPersistence, false},
	}
	for _, tc := range cases {
		err := &core.Error{Kind: tc.kind, Op: "execute step"}
		if got := rejectedBeforeWrite(err); got != tc.want {
			t.Errorf("rejectedBeforeWrite(%v) = %v, want %v", tc.kind, got, tc.want)
		}
	}
	if rejectedBeforeWrite(errors.New("boom")) {
		t.Error("unclassified errors must keep the key")
	}
}

func TestRedisDeduper(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	if added, err := d.Add(ctx, "u-1", "k"); err != nil || !added {
		t.Fatalf("first add: %v %v", added, err)
	}
	if added, _ := d.Add(ctx, "u-1", "k"); added {
		t.Fatal("second add must report a duplicate")
	}
	if added, _ := d.Add(ctx, "u-2", "k"); !added {
		t.Fatal("keys are scoped per actor")
	}
	m.FastForward(2 * time.Minute)
	if added, _ := d.Add(ctx, "u-1", "k"); !added {
		t.Fatal("expired key must be accepted again")
	}
	if err := d.Remove(ctx, "u-1", "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return tp, exporter, func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}
}

func TestTracingMiddlewareNamesSpanAfterRoute(t *testing.T) {
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	srv := newTestServer(t, nil)
	rec := doRequest(t, srv, &operator, http.MethodGet, "/v1/tasks/missing", nil)
	expectStatus(t, rec, http.StatusNotFound)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if !strings.HasPrefix(spans[0].Name, "GET /v1/tasks/{taskID}") {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected status attribute 404, got %d", status)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(t, srv, &operator, http.MethodGet, "/v1/monitor?count=3", nil)
	expectStatus(t, rec, http.StatusOK)
	sched := decodeResponse[monitorScheduleResponse](t, rec)
	if !sched.Enabled || len(sched.NextChecks) != 3 {
		t.Fatalf("unexpected schedule: %+v", sched)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/monitor/preview", map[string]any{
		"expr": "0 9 * * *", "now": "2024-05-01T08:00:00Z", "count": 2,
	})
	expectStatus(t, rec, http.StatusOK)
	preview := decodeResponse[cronPreviewResponse](t, rec)
	want := []string{"2024-05-01T09:00:00Z", "2024-05-02T09:00:00Z"}
	if !preview.Valid || len(preview.NextTimes) != 2 || preview.NextTimes[0] != want[0] || preview.NextTimes[1] != want[1] {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	rec = doRequest(t, srv, &operator, http.MethodPost, "/v1/monitor/preview", map[string]any{"expr": "not cron"})
	expectStatus(t, rec, http.StatusOK)
	if p := decodeResponse[cronPreviewResponse](t, rec); p.Valid {
		t.Fatal("expected invalid expression")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doRequest(t, srv, nil, http.MethodGet, "/healthz", nil)
	expectStatus(t, rec, http.StatusOK)
}

package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/bus"
	"github.com/kirayoXkaki/mgxEngine/internal/gateway"
	"github.com/kirayoXkaki/mgxEngine/internal/persistence"
	"github.com/kirayoXkaki/mgxEngine/internal/pipeline"
	"github.com/kirayoXkaki/mgxEngine/internal/ratelimit"
	"github.com/kirayoXkaki/mgxEngine/internal/runner"
	"github.com/kirayoXkaki/mgxEngine/internal/sandbox"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// instantExecutor reports a clean run without touching python or docker.
type instantExecutor struct{}

func (instantExecutor) Run(_ context.Context, _ string, onLine func(string)) (sandbox.Result, error) {
	if onLine != nil {
		onLine("ok")
	}
	return sandbox.Result{ExitCode: 0, Stdout: "ok\n"}, nil
}

// pausedExecutor delays the run so tests can observe the RUNNING window.
type pausedExecutor struct {
	delay time.Duration
}

func (p pausedExecutor) Run(ctx context.Context, code string, onLine func(string)) (sandbox.Result, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return sandbox.Result{ExitCode: -1}, ctx.Err()
	}
	return instantExecutor{}.Run(ctx, code, onLine)
}

type testEnv struct {
	srv    *httptest.Server
	runner *runner.Runner
	store  *persistence.Store
}

func newTestEnv(t *testing.T, withDB bool) *testEnv {
	return newTestEnvWithExecutor(t, withDB, instantExecutor{})
}

func newTestEnvWithExecutor(t *testing.T, withDB bool, exec sandbox.Executor) *testEnv {
	t.Helper()
	var store *persistence.Store
	if withDB {
		var err error
		store, err = persistence.Open(filepath.Join(t.TempDir(), "mgx.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	eventBus := bus.New(nil, nil)
	artStore := artifacts.NewStore(nil, nil)
	limiter := ratelimit.New(3, nil)
	pipe := pipeline.New(limiter, artStore, eventBus, exec, nil, nil)

	var runStore runner.Store
	if store != nil {
		runStore = store
	}
	run := runner.New(pipe, eventBus, runStore, nil, nil, time.Minute, 2*time.Second)

	srv, err := gateway.New(gateway.Config{
		Runner:            run,
		Bus:               eventBus,
		Artifacts:         artStore,
		Limiter:           limiter,
		Editor:            pipe,
		Store:             store,
		ConfigFingerprint: "cfg-test",
		ReplayEventCount:  10,
		WSIdleTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, runner: run, store: store}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func waitStatus(t *testing.T, env *testEnv, taskID string, want task.Status) task.State {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		var state task.State
		getJSON(t, env.srv.URL+"/api/v1/tasks/"+taskID+"/state", &state)
		if state.Status == want {
			return state
		}
		if state.Status.Terminal() {
			t.Fatalf("task ended %s (%s), want %s", state.Status, state.ErrorMessage, want)
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached %s, still %s", want, state.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateTask_Validation(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"requirement": "Build a todo app"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var state task.State
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.TaskID == "" || state.Status != task.StatusPending {
		t.Fatalf("state = %+v", state)
	}

	// Missing requirement fails schema validation.
	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing requirement: status = %d, want 400", resp.StatusCode)
	}

	// Unknown fields are rejected.
	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"requirement": "x", "bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d, want 400", resp.StatusCode)
	}

	// Duplicate task_id conflicts.
	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "dup", "requirement": "x"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first dup create: status = %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "dup", "requirement": "x"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second dup create: status = %d, want 409", resp.StatusCode)
	}
}

func TestTaskLifecycle_REST(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1", "requirement": "Build a calculator"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}

	resp, body := postJSON(t, env.srv.URL+"/api/v1/tasks/t1/start", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, body %s", resp.StatusCode, body)
	}
	// A second start conflicts regardless of how far the run got.
	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks/t1/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("restart: status = %d, want 409", resp.StatusCode)
	}

	state := waitStatus(t, env, "t1", task.StatusSucceeded)
	if state.Progress != 1.0 {
		t.Fatalf("progress = %f", state.Progress)
	}

	var events struct {
		Events []task.Event `json:"events"`
		Count  int          `json:"count"`
	}
	getJSON(t, env.srv.URL+"/api/v1/tasks/t1/events", &events)
	if events.Count == 0 || events.Events[0].EventType != task.EventTaskStart {
		t.Fatalf("events = %+v", events)
	}
	cursor := events.Events[2].EventID
	var tail struct {
		Events []task.Event `json:"events"`
	}
	getJSON(t, env.srv.URL+fmt.Sprintf("/api/v1/tasks/t1/events?since_event_id=%d", cursor), &tail)
	if len(tail.Events) != events.Count-3 {
		t.Fatalf("since cursor %d returned %d of %d", cursor, len(tail.Events), events.Count)
	}

	var metrics task.Metrics
	getJSON(t, env.srv.URL+"/api/v1/tasks/t1/metrics", &metrics)
	if len(metrics.Stages) != 3 {
		t.Fatalf("stages = %d, want 3", len(metrics.Stages))
	}
}

func TestArtifactEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1", "requirement": "req"})
	postJSON(t, env.srv.URL+"/api/v1/tasks/t1/start", nil)
	waitStatus(t, env, "t1", task.StatusSucceeded)

	var files struct {
		Files []artifacts.FileInfo `json:"files"`
	}
	getJSON(t, env.srv.URL+"/api/v1/tasks/t1/artifacts", &files)
	if len(files.Files) != 3 {
		t.Fatalf("files = %+v, want 3 entries", files.Files)
	}

	var art artifacts.Artifact
	resp := getJSON(t, env.srv.URL+"/api/v1/tasks/t1/artifacts/content?file_path=docs/PRD.md", &art)
	if resp.StatusCode != http.StatusOK || art.Version != 1 || art.Content == "" {
		t.Fatalf("latest PRD: status=%d art=%+v", resp.StatusCode, art)
	}

	resp = getJSON(t, env.srv.URL+"/api/v1/tasks/t1/artifacts/content?file_path=docs/PRD.md&version=9", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing version: status = %d, want 404", resp.StatusCode)
	}

	// Edit bumps the version and reports the Editor role.
	resp2, body := postJSON(t, env.srv.URL+"/api/v1/tasks/t1/edit", map[string]any{
		"file_path":   "src/main.py",
		"instruction": "add a docstring",
	})
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("edit: status = %d, body %s", resp2.StatusCode, body)
	}
	var edited artifacts.Artifact
	if err := json.Unmarshal(body, &edited); err != nil {
		t.Fatalf("decode edit: %v", err)
	}
	if edited.Version != 2 || edited.AgentRole != task.RoleEditor {
		t.Fatalf("edited = %+v", edited)
	}

	resp2, _ = postJSON(t, env.srv.URL+"/api/v1/tasks/t1/edit", map[string]any{"file_path": "src/main.py"})
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("edit without instruction: status = %d, want 400", resp2.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1", "requirement": "req"})
	resp, body := postJSON(t, env.srv.URL+"/api/v1/tasks/t1/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status = %d", resp.StatusCode)
	}
	var out struct {
		Cancelled bool       `json:"cancelled"`
		State     task.State `json:"state"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Cancelled || out.State.Status != task.StatusCancelled {
		t.Fatalf("out = %+v", out)
	}

	resp, _ = postJSON(t, env.srv.URL+"/api/v1/tasks/ghost/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown: status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{
		"/api/v1/tasks/ghost/state",
		"/api/v1/tasks/ghost/events",
		"/api/v1/tasks/ghost/metrics",
		"/api/v1/tasks/ghost/artifacts",
	} {
		resp := getJSON(t, env.srv.URL+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestActiveAndRateLimitEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1", "requirement": "req"})

	var active struct {
		Tasks []task.State `json:"tasks"`
		Total int          `json:"total"`
	}
	getJSON(t, env.srv.URL+"/api/v1/tasks/active", &active)
	if active.Total != 1 || active.Tasks[0].TaskID != "t1" {
		t.Fatalf("active = %+v", active)
	}

	var stats ratelimit.Stats
	getJSON(t, env.srv.URL+"/api/v1/ratelimit", &stats)
	if stats.Capacity != 3 {
		t.Fatalf("capacity = %d, want 3", stats.Capacity)
	}
}

func TestListTasks_PersistenceBacked(t *testing.T) {
	env := newTestEnv(t, true)
	postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{"task_id": "t1", "requirement": "req"})

	// Task records are written asynchronously; poll for the row.
	deadline := time.After(5 * time.Second)
	for {
		var page persistence.TaskPage
		getJSON(t, env.srv.URL+"/api/v1/tasks?page=1&page_size=10", &page)
		if page.Total == 1 && page.Tasks[0].ID == "t1" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task row never appeared: %+v", page)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, true)

	var health map[string]any
	resp := getJSON(t, env.srv.URL+"/healthz", &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status = %d", resp.StatusCode)
	}
	if health["healthy"] != true || health["config_fingerprint"] != "cfg-test" {
		t.Fatalf("health = %+v", health)
	}

	mresp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	text, _ := io.ReadAll(mresp.Body)
	for _, metric := range []string{"mgx_active_tasks", "mgx_llm_calls_total", "mgx_alloc_bytes"} {
		if !strings.Contains(string(text), metric) {
			t.Fatalf("metrics output missing %s:\n%s", metric, text)
		}
	}
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("new DELETE %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	resp.Body.Close()
	return resp
}

func TestDeleteEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := postJSON(t, env.srv.URL+"/api/v1/tasks", map[string]any{
		"task_id": "t-del", "requirement": "print hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if resp, _ := postJSON(t, env.srv.URL+"/api/v1/tasks/t-del/start", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	waitStatus(t, env, "t-del", task.StatusSucceeded)

	if resp := doDelete(t, env.srv.URL+"/api/v1/tasks/t-del"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	if resp := getJSON(t, env.srv.URL+"/api/v1/tasks/t-del/state", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("state after delete = %d, want 404", resp.StatusCode)
	}
	if resp := getJSON(t, env.srv.URL+"/api/v1/tasks/t-del/artifacts", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("artifacts after delete = %d, want 404", resp.StatusCode)
	}
	if resp := doDelete(t, env.srv.URL+"/api/v1/tasks/t-del"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", resp.StatusCode)
	}
	if resp := doDelete(t, env.srv.URL+"/api/v1/tasks/ghost"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown = %d, want 404", resp.StatusCode)
	}
}

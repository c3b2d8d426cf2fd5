package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/feed"
	"github.com/MrBurberry/huginn/internal/observability"
	"github.com/MrBurberry/huginn/internal/state"
	"github.com/MrBurberry/huginn/internal/testutil"
	"github.com/MrBurberry/huginn/internal/window"
)

const testOptions = `{"secrets":["s3cret"],"expected_receive_period_in_days":2,"template":{"title":"Feed","item":{"title":"{{title}}"}},"response_headers":{"X-Feed":"yes"}}`

type testEnv struct {
	server *Server
	client *http.Client
	store  *state.Store
	bus    *eventbus.Bus
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	logger := observability.Discard()
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	windows := window.NewCache(window.NewRepo(db), bus, window.WithLogger(logger), window.WithMetrics(metrics))
	feeds := feed.NewService(store, windows,
		feed.WithLogger(logger),
		feed.WithMetrics(metrics),
		feed.WithDomain("feeds.example"),
		feed.WithNotifier(bus),
	)
	server := &Server{
		Store:    store,
		Bus:      bus,
		Feeds:    feeds,
		Windows:  windows,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: reg,
		Info:     DiagnosticsInfo{Domain: "feeds.example"},
	}
	return testEnv{
		server: server,
		client: testutil.NewInProcessClient(server.Handler()),
		store:  store,
		bus:    bus,
	}
}

func (e testEnv) createAgent(t *testing.T, sources ...string) agentView {
	t.Helper()
	resp := doJSON(t, e.client, http.MethodPost, "/api/agents", map[string]any{
		"user_id": "u1",
		"name":    "Output",
		"options": json.RawMessage(testOptions),
		"sources": sources,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var agent agentView
	decodeJSONResponse(t, resp, &agent)
	return agent
}

func TestServerAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, env.client, http.MethodPost, "/api/agents", map[string]any{
		"user_id": "u1",
		"name":    "Output",
		"options": map[string]any{"secrets": []string{"a/b"}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid options status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var problem struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	decodeJSONResponse(t, resp, &problem)
	if len(problem.Problems) == 0 {
		t.Fatalf("expected validation problems, got %q", problem.Error)
	}

	agent := env.createAgent(t, "src-1")
	if agent.ID == "" || agent.UserID != "u1" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if string(agent.Options) != testOptions {
		t.Fatalf("options not stored verbatim: %s", agent.Options)
	}
	if len(agent.Sources) != 1 || agent.Sources[0] != "src-1" {
		t.Fatalf("unexpected sources: %v", agent.Sources)
	}
	if agent.Working {
		t.Fatalf("agent without events must not be working")
	}

	resp = doJSON(t, env.client, http.MethodGet, "/api/agents", nil)
	var list []agentView
	decodeJSONResponse(t, resp, &list)
	if len(list) != 1 || list[0].ID != agent.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	updated := `{"secrets":["other"],"expected_receive_period_in_days":1,"template":{"item":{"z":"{{z}}","a":"{{a}}"}}}`
	resp = doRaw(t, env.client, http.MethodPut, "/api/agents/"+agent.ID+"/options", updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update options status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var got agentView
	decodeJSONResponse(t, resp, &got)
	if string(got.Options) != updated {
		t.Fatalf("updated options not stored verbatim: %s", got.Options)
	}

	resp = doRaw(t, env.client, http.MethodPut, "/api/agents/"+agent.ID+"/options", `{"secrets":[]}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid update status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRaw(t, env.client, http.MethodPut, "/api/agents/missing/options", updated)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent update status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, http.MethodGet, "/api/agents/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServerFeedFlow(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t, "src-1")

	resp := doJSON(t, env.client, http.MethodPost, "/api/events", map[string]any{
		"agent_id": "src-1",
		"payload":  map[string]any{"title": "Hello & welcome"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push event status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var pushed struct {
		Event       eventbus.Event `json:"event"`
		DeliveredTo []string       `json:"delivered_to"`
	}
	decodeJSONResponse(t, resp, &pushed)
	if pushed.Event.ID == 0 || len(pushed.DeliveredTo) != 1 || pushed.DeliveredTo[0] != agent.ID {
		t.Fatalf("unexpected push result: %+v", pushed)
	}

	base := "/users/u1/web_requests/" + agent.ID
	resp = doJSON(t, env.client, http.MethodGet, base+"/s3cret.xml", nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("xml feed status: %d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != feed.DefaultRSSContentType {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Header.Get("X-Feed") != "yes" {
		t.Fatalf("custom response header missing")
	}
	for _, want := range []string{
		"<title>Feed</title>",
		"<title>Hello &amp; welcome</title>",
		`href="https://feeds.example/users/u1/web_requests/` + agent.ID + `/s3cret.xml"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("xml feed missing %q:\n%s", want, body)
		}
	}

	resp = doJSON(t, env.client, http.MethodGet, base+"/s3cret.json", nil)
	var doc struct {
		Title string           `json:"title"`
		Items []map[string]any `json:"items"`
	}
	decodeJSONResponse(t, resp, &doc)
	if doc.Title != "Feed" || len(doc.Items) != 1 || doc.Items[0]["title"] != "Hello & welcome" {
		t.Fatalf("unexpected json feed: %+v", doc)
	}

	resp = doJSON(t, env.client, http.MethodGet, base+"/wrong.json", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status: %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Not Authorized") {
		t.Fatalf("unexpected unauthorized body %q", body)
	}

	for _, path := range []string{
		"/users/u2/web_requests/" + agent.ID + "/s3cret.xml",
		"/users/u1/web_requests/missing/s3cret.xml",
		base + "/s3cret.html",
		base + "/s3cret",
	} {
		resp = doJSON(t, env.client, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp = doJSON(t, env.client, http.MethodGet, "/api/agents/"+agent.ID, nil)
	var got agentView
	decodeJSONResponse(t, resp, &got)
	if !got.Working {
		t.Fatalf("agent that just received an event should be working")
	}
}

func TestServerAddSourceRefreshesWindow(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	feedPath := "/users/u1/web_requests/" + agent.ID + "/s3cret.json"

	resp := doJSON(t, env.client, http.MethodPost, "/api/events", map[string]any{
		"agent_id": "src-late",
		"payload":  map[string]any{"title": "early"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push event status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	var doc struct {
		Items []map[string]any `json:"items"`
	}
	decodeJSONResponse(t, doJSON(t, env.client, http.MethodGet, feedPath, nil), &doc)
	if len(doc.Items) != 0 {
		t.Fatalf("unlinked source leaked into feed: %+v", doc.Items)
	}

	resp = doJSON(t, env.client, http.MethodPost, "/api/agents/"+agent.ID+"/sources", map[string]any{"source_id": "src-late"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add source status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp.Body.Close()

	decodeJSONResponse(t, doJSON(t, env.client, http.MethodGet, feedPath, nil), &doc)
	if len(doc.Items) != 1 || doc.Items[0]["title"] != "early" {
		t.Fatalf("linked source missing from feed: %+v", doc.Items)
	}

	resp = doJSON(t, env.client, http.MethodPost, "/api/agents/missing/sources", map[string]any{"source_id": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agent status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServerAgentLogs(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	if err := env.store.AddLog(context.Background(), agent.ID, state.LevelError, "Push failed: boom"); err != nil {
		t.Fatalf("add log: %v", err)
	}

	resp := doJSON(t, env.client, http.MethodGet, "/api/agents/"+agent.ID+"/logs", nil)
	var logs []state.LogEntry
	decodeJSONResponse(t, resp, &logs)
	if len(logs) != 1 || logs[0].Message != "Push failed: boom" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestServerRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, "http://in-process/api/health", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(requestIDHeader, "req-1")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "req-1" {
		t.Fatalf("request id not echoed: %q", got)
	}

	resp = doJSON(t, env.client, http.MethodGet, "/api/health", nil)
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); len(got) != 26 {
		t.Fatalf("expected generated ULID request id, got %q", got)
	}

	resp = doJSON(t, env.client, http.MethodGet, "/metrics", nil)
	body := readBody(t, resp)
	if !strings.Contains(body, "feedd_http_request_duration_seconds") {
		t.Fatalf("metrics missing http histogram:\n%s", body)
	}

	resp = doJSON(t, env.client, http.MethodDelete, "/api/health", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestServerDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	env.server.StartedAt = time.Now().Add(-time.Minute)

	resp := doJSON(t, env.client, http.MethodGet, "/api/diagnostics", nil)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	if diag.UptimeSeconds < 59 || diag.Info.Domain != "feeds.example" || !diag.Metrics {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
	if _, ok := diag.EventBus["subscribers"]; !ok {
		t.Fatalf("expected eventbus subscriber count")
	}
}

func TestServerFeedSubscribe(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t, "src-1")
	mux := env.server.Handler()

	req := testutil.NewRequest(http.MethodGet, "/api/agents/"+agent.ID+"/feed/events", nil)
	rec := testutil.NewStreamRecorder()
	resp := &http.Response{StatusCode: rec.Code, Body: rec.Body}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	go func() {
		mux.ServeHTTP(rec, req)
		_ = rec.Close()
	}()
	defer resp.Body.Close()

	got := make(chan eventbus.Notice, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				var n eventbus.Notice
				if json.Unmarshal(bytes.TrimSpace(data), &n) == nil {
					got <- n
				}
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := env.server.Feeds.Receive(context.Background(), agent.ID); err != nil {
		t.Fatalf("receive: %v", err)
	}

	select {
	case n := <-got:
		if n.Kind != eventbus.NoticeRefreshed || n.AgentID != agent.ID {
			t.Fatalf("unexpected notice: %+v", n)
		}
		cancel()
	case <-ctx.Done():
		t.Fatalf("timeout waiting for sse")
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func doRaw(t *testing.T, client *http.Client, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://in-process"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := testutil.ReadAll(resp)
	if err != nil && err != io.EOF {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

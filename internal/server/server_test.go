package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stakeline/internal/config"
	"stakeline/internal/db"
	"stakeline/internal/engine"
	"stakeline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	if _, err := e.EnsureConfig(ctx, config.Default("treasury"), "system"); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := e.BootstrapOwner(ctx, "root"); err != nil {
		t.Fatalf("bootstrap owner: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			EnableDevLogin:         true,
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func register(t *testing.T, srv *testServer, actor string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{"name": actor, "age": 30}, as(actor))
	expectStatus(t, res, body, http.StatusCreated)
}

func createTask(t *testing.T, srv *testServer, creator string) TaskResponse {
	t.Helper()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stake/quote?deadline_hours=24&max_revisions=3&reward=1000000", nil, as(creator))
	expectStatus(t, res, body, http.StatusOK)
	var q engine.Quote
	if err := json.Unmarshal(body, &q); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Logo",
		"url":            "https://example.test/brief",
		"deadline_hours": 24,
		"max_revisions":  3,
		"reward":         1_000_000,
		"value":          q.Total,
	}, as(creator))
	expectStatus(t, res, body, http.StatusCreated)
	var task TaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestTaskRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	register(t, srv, "alice")
	register(t, srv, "bob")

	task := createTask(t, srv, "alice")
	if task.Status != "active" || task.CreatorStake != 10_000 || task.Fee != 200 {
		t.Fatalf("unexpected task: %+v", task)
	}
	base := fmt.Sprintf("%s/v0/tasks/%d", srv.URL, task.ID)

	res, body := doJSON(t, client, http.MethodPost, base+"/registration/open", nil, as("alice"))
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodGet, base+"/member-stake", nil, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	var ms map[string]int64
	_ = json.Unmarshal(body, &ms)
	if ms["stake"] != 200_000 {
		t.Fatalf("member stake = %d", ms["stake"])
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/join", map[string]any{"value": ms["stake"]}, as("bob"))
	expectStatus(t, res, body, http.StatusCreated)
	res, body = doJSON(t, client, http.MethodPost, base+"/join/approve", map[string]any{"applicant_id": "bob"}, as("alice"))
	expectStatus(t, res, body, http.StatusOK)

	res, body = doJSON(t, client, http.MethodPost, base+"/submit", map[string]any{"url": "https://example.test/logo.png"}, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodPost, base+"/approve", nil, as("alice"))
	expectStatus(t, res, body, http.StatusOK)
	var done TaskResponse
	if err := json.Unmarshal(body, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("status = %s", done.Status)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/balance", nil, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	var bal BalanceResponse
	_ = json.Unmarshal(body, &bal)
	if bal.Amount != 1_200_000 || bal.Display != "1.2" {
		t.Fatalf("bob balance = %+v", bal)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/balance/withdraw", nil, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/balance", nil, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	_ = json.Unmarshal(body, &bal)
	if bal.Amount != 0 {
		t.Fatalf("balance after withdraw = %d", bal.Amount)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, as("bob"))
	expectStatus(t, res, body, http.StatusOK)
	var status map[string]any
	_ = json.Unmarshal(body, &status)
	if status["balanced"] != true {
		t.Fatalf("status not balanced: %s", string(body))
	}
}

func TestValueMismatchIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	register(t, srv, "alice")
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":          "Logo",
		"url":            "https://example.test/brief",
		"deadline_hours": 24,
		"max_revisions":  3,
		"reward":         1_000_000,
		"value":          1_000_000,
	}, as("alice"))
	expectStatus(t, res, body, http.StatusUnprocessableEntity)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "value_mismatch" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestStateConflictAndForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	register(t, srv, "alice")
	register(t, srv, "bob")
	task := createTask(t, srv, "alice")
	base := fmt.Sprintf("%s/v0/tasks/%d", srv.URL, task.ID)

	res, body := doJSON(t, client, http.MethodPost, base+"/approve", nil, as("alice"))
	expectStatus(t, res, body, http.StatusConflict)

	res, body = doJSON(t, client, http.MethodPost, base+"/registration/open", nil, as("bob"))
	expectStatus(t, res, body, http.StatusForbidden)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/fees/sweep", nil, as("bob"))
	expectStatus(t, res, body, http.StatusForbidden)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/999", nil, as("bob"))
	expectStatus(t, res, body, http.StatusNotFound)
}

func TestUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/balance", nil, nil)
	expectStatus(t, res, body, http.StatusUnauthorized)
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, body, http.StatusOK)
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, body, http.StatusUnauthorized)
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "root"}, nil)
	expectStatus(t, res, body, http.StatusOK)
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("login: %v %s", err, string(body))
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	expectStatus(t, res, body, http.StatusOK)
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "root" || me.Source != "jwt" || !me.Capabilities["owner"] {
		t.Fatalf("me = %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/config", map[string]any{"fee_percent": 5}, bearer)
	expectStatus(t, res, body, http.StatusOK)
	var version VersionResponse
	_ = json.Unmarshal(body, &version)
	if version.Version != 2 {
		t.Fatalf("config version = %d", version.Version)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "ci"}, bearer)
	expectStatus(t, res, body, http.StatusCreated)
	var key CreateAPIKeyResponse
	_ = json.Unmarshal(body, &key)
	if key.Key == "" {
		t.Fatalf("missing key: %s", string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/config", nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, body, http.StatusOK)
	var cfg ConfigResponse
	_ = json.Unmarshal(body, &cfg)
	if cfg.Version != 2 || cfg.Config.Limits.FeePercent != 5 {
		t.Fatalf("config = %+v", cfg)
	}

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, bearer)
	expectStatus(t, res, body, http.StatusNoContent)
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/config", nil, map[string]string{"X-Api-Key": key.Key})
	expectStatus(t, res, body, http.StatusUnauthorized)
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	register(t, srv, "alice")
	createTask(t, srv, "alice")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=1", nil, as("alice"))
	expectStatus(t, res, body, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].Type != "task.created" {
		t.Fatalf("newest event = %s", page.Items[0].Type)
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, as("alice"))
	expectStatus(t, res, body, http.StatusBadRequest)
}

func TestDevTokenUsesWallClock(t *testing.T) {
	token, err := signDevToken("test-secret", "alice", []string{"dev"}, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(token, "test-secret")
	if err != nil || p.ActorID != "alice" || p.Source != "jwt" {
		t.Fatalf("principal = %+v, %v", p, err)
	}
	stale, err := signDevToken("test-secret", "alice", nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("sign stale: %v", err)
	}
	if _, err := authenticateJWT(stale, "test-secret"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

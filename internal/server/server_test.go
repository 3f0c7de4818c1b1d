package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flockline/internal/app"
	"flockline/internal/db"
	"flockline/internal/engine"
	"flockline/internal/migrate"
	"flockline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrg(context.Background(), "org-1", "tester", r)
	if err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func asTester() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func TestBoardFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/journeys", map[string]any{
		"title": "Newcomers",
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create journey status %d: %s", res.StatusCode, string(data))
	}
	var journey JourneyResponse
	if err := json.Unmarshal(data, &journey); err != nil {
		t.Fatalf("unmarshal journey: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/journeys/"+journey.ID+"/stages", map[string]any{
		"title": "Contacted",
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add stage status %d: %s", res.StatusCode, string(data))
	}
	var stage StageResponse
	if err := json.Unmarshal(data, &stage); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/people", map[string]any{
		"name":       "Ana",
		"journey_id": journey.ID,
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create person status %d: %s", res.StatusCode, string(data))
	}
	var person PersonResponse
	if err := json.Unmarshal(data, &person); err != nil {
		t.Fatalf("unmarshal person: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/people/"+person.ID+"/stage", map[string]any{
		"stage_id": stage.ID,
	}, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move person status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/journeys/"+journey.ID+"/board", nil, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var view BoardResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if len(view.Columns[stage.ID]) != 1 || view.Columns[stage.ID][0].ID != person.ID {
		t.Fatalf("person missing from target column: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/history?person_id="+person.ID, nil, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedHistory
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected person_created + stage_change, got %d events", len(page.Items))
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/journeys", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestForbiddenWithoutPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/journeys", map[string]any{
		"title": "Sneaky",
	}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestUnknownJourneyIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/journeys/nope", nil, asTester())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

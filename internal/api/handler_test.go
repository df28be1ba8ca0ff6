package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sqlchat/sqlchat/internal/answer"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/pipeline"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/query/postgres"
	"github.com/sqlchat/sqlchat/internal/query/sqlite"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
)

const ordersCSV = "id,amount\n1,10\n2,20\n"

func TestHealthEndpoint(t *testing.T) {
	cfg, err := config.Load("sqlchat-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg, err := config.Load("sqlchat-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCheckUploadDir(t *testing.T) {
	if err := CheckUploadDir(t.TempDir())(context.Background()); err != nil {
		t.Fatalf("CheckUploadDir() error = %v", err)
	}
	if err := CheckUploadDir("/nonexistent/sqlchat-uploads")(context.Background()); err == nil {
		t.Fatal("expected error for missing upload dir")
	}
}

func TestProtectedRouteRequiresAuthAndRole(t *testing.T) {
	env := newTestEnv(t, map[string]string{"SQLCHAT_AUTH_REQUIRED": "true"}, "")
	validator, err := auth.NewStaticAPIKeyValidator("k1:t1:chat_user,k2:t1:viewer")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	env.deps.AuthMiddleware = auth.Middleware(nil, validator)
	h := NewHandler(env.cfg, env.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	req.Header.Set("X-API-Key", "k2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("role status = %d", rr.Code)
	}

	req = newUploadRequest(t, "/v1/sessions", http.MethodPost, "orders.csv", ordersCSV)
	req.Header.Del("X-Tenant-ID")
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if got := body["session"].(map[string]any)["tenant_id"]; got != "t1" {
		t.Fatalf("tenant_id = %v", got)
	}
}

func TestUploadThenQueryWithoutInference(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)

	id := createSession(t, h, "orders.csv", ordersCSV)

	rr := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/schema", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("schema status = %d", rr.Code)
	}
	var schema query.Schema
	if err := json.Unmarshal(rr.Body.Bytes(), &schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if len(schema.Tables) != 1 || schema.Tables[0].Name != "orders" || len(schema.Tables[0].Columns) != 2 {
		t.Fatalf("schema = %#v", schema)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "SELECT SUM(amount) AS total FROM orders"})
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	rows := body["rows"].([]any)
	if len(rows) != 1 || rows[0].([]any)[0] != float64(30) {
		t.Fatalf("rows = %#v", rows)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/turns", map[string]any{"question": "total?"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ask status = %d body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeBody(t, rr)["error_code"]; code != "AUTH_ERROR" {
		t.Fatalf("error_code = %v", code)
	}
}

func TestAskRecordsTurn(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		reply := "The total amount is 30.\nFollow-up questions:\n- What is the average?"
		if strings.Contains(string(raw), "User question:") {
			reply = "```sql\nSELECT SUM(amount) FROM orders\n```"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	defer model.Close()

	env := newTestEnv(t, nil, model.URL)
	h := NewHandler(env.cfg, env.deps)
	id := createSession(t, h, "orders.csv", ordersCSV)

	rr := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/turns", map[string]any{"question": "what is the total amount?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("ask status = %d body=%s", rr.Code, rr.Body.String())
	}
	var turn session.Turn
	if err := json.Unmarshal(rr.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if turn.SQL != "SELECT SUM(amount) FROM orders" || !strings.Contains(turn.Answer, "30") {
		t.Fatalf("turn = %#v", turn)
	}
	if len(turn.FollowUps) != 1 {
		t.Fatalf("FollowUps = %#v", turn.FollowUps)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/turns", nil)
	if got := decodeBody(t, rr)["turns"].([]any); len(got) != 1 {
		t.Fatalf("turns = %#v", got)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/translate", map[string]any{"question": "again"})
	if rr.Code != http.StatusOK || decodeBody(t, rr)["sql"] != "SELECT SUM(amount) FROM orders" {
		t.Fatalf("translate status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestQueryRejectsUnsafeAndFailingSQL(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)
	id := createSession(t, h, "orders.csv", ordersCSV)

	rr := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "DELETE FROM orders"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "UNSAFE_QUERY" || body["context"].(map[string]any)["sql"] != "DELETE FROM orders" {
		t.Fatalf("body = %#v", body)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "SELECT nope FROM orders"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	body = decodeBody(t, rr)
	if body["error_code"] != "QUERY_ERROR" || !strings.Contains(body["message"].(string), "nope") {
		t.Fatalf("body = %#v", body)
	}
}

func TestSessionsAreScopedToTenant(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)
	id := createSession(t, h, "orders.csv", ordersCSV)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
	req.Header.Set("X-Tenant-ID", "someone-else")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing tenant status = %d", rr.Code)
	}
}

func TestDeleteSessionClosesIt(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)
	id := createSession(t, h, "orders.csv", ordersCSV)

	if rr := doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rr.Code)
	}
	if env.deps.Sessions.Count() != 0 {
		t.Fatalf("Count() = %d", env.deps.Sessions.Count())
	}
}

func TestReplaceSourceSwapsSchema(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)
	id := createSession(t, h, "orders.csv", ordersCSV)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newUploadRequest(t, "/v1/sessions/"+id+"/source", http.MethodPut, "customers.csv", "name\nada\n"))
	if rr.Code != http.StatusOK {
		t.Fatalf("replace status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "SELECT * FROM orders"})
	if rr.Code != http.StatusUnprocessableEntity || decodeBody(t, rr)["error_code"] != "UNSAFE_QUERY" {
		t.Fatalf("old table status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "SELECT name FROM customers"})
	if rr.Code != http.StatusOK {
		t.Fatalf("new table status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateSessionFromObjectKey(t *testing.T) {
	env := newTestEnv(t, nil, "")
	env.deps.Datasets = memoryStore{"exports/orders.csv": []byte(ordersCSV)}
	h := NewHandler(env.cfg, env.deps)

	rr := doJSON(t, h, http.MethodPost, "/v1/sessions", map[string]any{"object_key": "exports/orders.csv"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["session"].(map[string]any)["source_name"] != "orders.csv" {
		t.Fatalf("session = %#v", body["session"])
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/sessions", map[string]any{"object_key": "exports/missing.csv"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing object status = %d", rr.Code)
	}
}

func TestListSourcesIncludesDatasets(t *testing.T) {
	env := newTestEnv(t, nil, "")
	env.deps.Datasets = memoryStore{
		"exports/orders.csv":     []byte(ordersCSV),
		"exports/events.parquet": []byte("PAR1"),
		"exports/README.txt":     []byte("notes"),
		"archive/old.csv":        []byte(ordersCSV),
	}
	h := NewHandler(env.cfg, env.deps)

	rr := doJSON(t, h, http.MethodGet, "/v1/sources?prefix=exports/", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["object_store"] != true {
		t.Fatalf("object_store = %v", body["object_store"])
	}
	datasets, ok := body["datasets"].([]any)
	if !ok || len(datasets) != 2 {
		t.Fatalf("datasets = %#v", body["datasets"])
	}
	first := datasets[0].(map[string]any)
	if first["key"] != "exports/events.parquet" || first["format"] != "parquet" {
		t.Fatalf("first dataset = %#v", first)
	}
}

func TestListSourcesWithoutObjectStore(t *testing.T) {
	env := newTestEnv(t, nil, "")
	h := NewHandler(env.cfg, env.deps)

	rr := doJSON(t, h, http.MethodGet, "/v1/sources", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["object_store"] != false {
		t.Fatalf("object_store = %v", body["object_store"])
	}
	if datasets, ok := body["datasets"].([]any); !ok || len(datasets) != 0 {
		t.Fatalf("datasets = %#v", body["datasets"])
	}
}

func TestCreateSessionRejectsBadSources(t *testing.T) {
	env := newTestEnv(t, map[string]string{"SQLCHAT_HTTP_MAX_UPLOAD_BYTES": "512"}, "")
	h := NewHandler(env.cfg, env.deps)

	cases := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"unsupported type", newUploadRequest(t, "/v1/sessions", http.MethodPost, "notes.txt", "hello"), http.StatusUnprocessableEntity, "DATA_ERROR"},
		{"ragged csv", newUploadRequest(t, "/v1/sessions", http.MethodPost, "bad.csv", "a,b\n1,2,3\n"), http.StatusUnprocessableEntity, "DATA_ERROR"},
		{"too large", newUploadRequest(t, "/v1/sessions", http.MethodPost, "big.csv", "a\n"+strings.Repeat("1\n", 600)), http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE"},
		{"unknown postgres", newJSONRequest(t, http.MethodPost, "/v1/sessions", map[string]any{"postgres": "warehouse"}), http.StatusUnprocessableEntity, "DATA_ERROR"},
		{"no source", newJSONRequest(t, http.MethodPost, "/v1/sessions", map[string]any{}), http.StatusBadRequest, "SOURCE_REQUIRED"},
		{"object store off", newJSONRequest(t, http.MethodPost, "/v1/sessions", map[string]any{"object_key": "a.csv"}), http.StatusNotImplemented, "OBJECT_STORE_NOT_CONFIGURED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tc.req)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
			if code := decodeBody(t, rr)["error_code"]; code != tc.code {
				t.Fatalf("error_code = %v, want %s", code, tc.code)
			}
		})
	}
	if env.deps.Sessions.Count() != 0 {
		t.Fatalf("Count() = %d", env.deps.Sessions.Count())
	}
}

func TestUIHandlerServesNonAPIRoutes(t *testing.T) {
	cfg, err := config.Load("sqlchat-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		UI: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "<html>ok</html>")
		}),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

type testEnv struct {
	cfg  config.Config
	deps Dependencies
}

func newTestEnv(t *testing.T, overrides map[string]string, modelURL string) testEnv {
	t.Helper()
	values := map[string]string{
		"SQLCHAT_PROFILE":    "test",
		"SQLCHAT_UPLOAD_DIR": t.TempDir(),
	}
	for key, value := range overrides {
		values[key] = value
	}
	if modelURL != "" {
		values["SQLCHAT_INFERENCE_BASE_URL"] = modelURL
		values["SQLCHAT_INFERENCE_API_KEY"] = "test-key"
	}
	cfg, err := config.Load("sqlchat-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	var translator nl2sql.Translator
	var completer inference.Completer
	if cfg.InferenceEnabled() {
		client, err := inference.NewClient(inference.Config{
			BaseURL: cfg.Inference.BaseURL,
			APIKey:  cfg.Inference.APIKey,
			Model:   cfg.Inference.Model,
			Timeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		completer = client
		translator = nl2sql.NewModelTranslator(client, nl2sql.Options{Prompt: nl2sql.PromptOptions{SampleRows: 3, HistoryTurns: 3}})
	}

	sessions := session.NewManager(session.ManagerConfig{TTL: time.Minute})
	t.Cleanup(sessions.Close)

	return testEnv{
		cfg: cfg,
		deps: Dependencies{
			Sessions: sessions,
			Pipeline: pipeline.New(pipeline.Config{
				Engines: query.Engines{
					CSV:      sqlite.NewLoader(),
					SQLite:   sqlite.NewLoader(),
					Postgres: postgres.NewLoader(nil, 1),
				},
				Translator:       translator,
				Formatter:        answer.NewFormatter(completer, answer.Options{}, nil),
				SchemaSampleRows: 3,
				RowLimit:         100,
				QueryTimeout:     5 * time.Second,
			}),
			InferenceEnabled: cfg.InferenceEnabled(),
		},
	}
}

func createSession(t *testing.T, h http.Handler, name, content string) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newUploadRequest(t, "/v1/sessions", http.MethodPost, name, content))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d body=%s", rr.Code, rr.Body.String())
	}
	var response sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return response.Session.ID
}

func newUploadRequest(t *testing.T, target, method, name, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = io.WriteString(part, content)
	if err := writer.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Tenant-ID", "tenant-a")
	return req
}

func newJSONRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-a")
	return req
}

func doJSON(t *testing.T, h http.Handler, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newJSONRequest(t, method, target, payload))
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v body=%s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type memoryStore map[string][]byte

func (m memoryStore) Publish(_ context.Context, key string, body io.Reader, _ int64, _ storage.PublishOptions) (storage.Dataset, error) {
	_, format, err := storage.DescribeKey(key)
	if err != nil {
		return storage.Dataset{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.Dataset{}, err
	}
	m[key] = data
	return storage.Dataset{Key: key, Format: format, Size: int64(len(data))}, nil
}

func (m memoryStore) Stage(_ context.Context, key, dir string, maxBytes int64) (string, storage.Dataset, error) {
	name, format, err := storage.DescribeKey(key)
	if err != nil {
		return "", storage.Dataset{}, err
	}
	data, ok := m[key]
	if !ok {
		return "", storage.Dataset{}, storage.ErrDatasetNotFound
	}
	localPath, written, err := storage.StageFile(dir, name, bytes.NewReader(data), maxBytes)
	if err != nil {
		return "", storage.Dataset{}, err
	}
	return localPath, storage.Dataset{Key: key, Format: format, Size: written}, nil
}

func (m memoryStore) List(_ context.Context, prefix string, limit int) ([]storage.Dataset, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	datasets := []storage.Dataset{}
	for _, key := range keys {
		_, format, err := storage.DescribeKey(key)
		if err != nil {
			continue
		}
		datasets = append(datasets, storage.Dataset{Key: key, Format: format, Size: int64(len(m[key]))})
		if len(datasets) == limit {
			break
		}
	}
	return datasets, nil
}

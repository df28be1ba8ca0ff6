package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// request is one API call derived from the command line.
type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	render      func(w io.Writer, body []byte) error
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "SQLChat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	output := fs.String("output", "text", "output format: text or json")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}
	if *output != "text" && *output != "json" {
		_, _ = fmt.Fprintf(stderr, "unknown output format %q\n", *output)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, *tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if *output == "text" && req.render != nil {
		if err := req.render(stdout, responseBody); err != nil {
			_, _ = fmt.Fprintf(stderr, "render response: %v\n", err)
			return 1
		}
		return 0
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(args []string) (request, error) {
	command := strings.TrimSpace(args[0])
	operands := args[1:]
	need := func(n int, usage string) error {
		if len(operands) < n {
			return fmt.Errorf("usage: sqlchatctl %s", usage)
		}
		return nil
	}

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "sources":
		path := "/v1/sources"
		if len(operands) > 0 {
			path += "?" + url.Values{"prefix": {operands[0]}}.Encode()
		}
		return request{method: http.MethodGet, path: path, render: renderSources}, nil
	case "upload":
		if err := need(1, "upload <file> [table_name]"); err != nil {
			return request{}, err
		}
		tableName := ""
		if len(operands) > 1 {
			tableName = operands[1]
		}
		body, contentType, err := multipartBody(operands[0], tableName)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/sessions", body: body, contentType: contentType, render: renderSession}, nil
	case "import":
		if err := need(1, "import <object_key> [table_name]"); err != nil {
			return request{}, err
		}
		payload := map[string]string{"object_key": operands[0]}
		if len(operands) > 1 {
			payload["table_name"] = operands[1]
		}
		return jsonRequest(http.MethodPost, "/v1/sessions", payload, renderSession)
	case "schema":
		if err := need(1, "schema <session_id>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: sessionPath(operands[0], "/schema"), render: renderSchema}, nil
	case "ask":
		if err := need(2, "ask <session_id> <question>"); err != nil {
			return request{}, err
		}
		question := strings.Join(operands[1:], " ")
		return jsonRequest(http.MethodPost, sessionPath(operands[0], "/turns"), map[string]string{"question": question}, renderTurn)
	case "query":
		if err := need(2, "query <session_id> <sql>"); err != nil {
			return request{}, err
		}
		statement := strings.Join(operands[1:], " ")
		return jsonRequest(http.MethodPost, sessionPath(operands[0], "/query"), map[string]any{"sql": statement}, renderQuery)
	case "turns":
		if err := need(1, "turns <session_id>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: sessionPath(operands[0], "/turns"), render: renderTurns}, nil
	case "close":
		if err := need(1, "close <session_id>"); err != nil {
			return request{}, err
		}
		id := strings.TrimSpace(operands[0])
		return request{method: http.MethodDelete, path: sessionPath(id, ""), render: func(w io.Writer, _ []byte) error {
			_, err := fmt.Fprintf(w, "session %s closed\n", id)
			return err
		}}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func sessionPath(id, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(strings.TrimSpace(id)) + suffix
}

func jsonRequest(method, path string, payload any, render func(io.Writer, []byte) error) (request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{method: method, path: path, body: bytes.NewReader(raw), contentType: "application/json", render: render}, nil
}

func multipartBody(path, tableName string) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if strings.TrimSpace(tableName) != "" {
		if err := writer.WriteField("table_name", tableName); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

func doRequest(ctx context.Context, client *http.Client, spec request, endpoint, apiKey, tenantID string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, spec.method, endpoint, spec.body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if spec.contentType != "" {
		req.Header.Set("Content-Type", spec.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(tenantID) != "" {
		req.Header.Set("X-Tenant-ID", strings.TrimSpace(tenantID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  sources [prefix]                list postgres sources and object store datasets")
	_, _ = fmt.Fprintln(w, "  upload <file> [table_name]      start a session from a CSV, Parquet, JSON, SQLite or .sql file")
	_, _ = fmt.Fprintln(w, "  import <object_key> [table]     start a session from an object store key")
	_, _ = fmt.Fprintln(w, "  schema <session_id>             show the session schema")
	_, _ = fmt.Fprintln(w, "  ask <session_id> <question>     ask a question in natural language")
	_, _ = fmt.Fprintln(w, "  query <session_id> <sql>        run a read-only SQL statement")
	_, _ = fmt.Fprintln(w, "  turns <session_id>              list conversation turns")
	_, _ = fmt.Fprintln(w, "  close <session_id>              end the session")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

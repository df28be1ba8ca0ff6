package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/maintenance"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
)

const (
	roleChatUser        = "chat_user"
	multipartMemorySize = 8 << 20
	datasetListLimit    = 100
)

const (
	originUpload      = "upload"
	originObjectStore = "object_store"
	originPostgres    = "postgres"
)

// sourceRequest selects a non-upload source. Exactly one of ObjectKey and
// Postgres is set.
type sourceRequest struct {
	ObjectKey string `json:"object_key"`
	Postgres  string `json:"postgres"`
	TableName string `json:"table_name"`
}

type sessionResponse struct {
	Session          session.Info `json:"session"`
	Schema           query.Schema `json:"schema"`
	InferenceEnabled bool         `json:"inference_enabled"`
}

func handleListSources(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if _, err := tenantFromRequest(r); err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	postgres := deps.PostgresSources
	if postgres == nil {
		postgres = []string{}
	}
	datasets := []storage.Dataset{}
	if deps.Datasets != nil {
		listed, err := deps.Datasets.List(r.Context(), r.URL.Query().Get("prefix"), datasetListLimit)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadGateway, "OBJECT_STORE_UNAVAILABLE", "could not list datasets", true, map[string]any{"details": err.Error()})
			return
		}
		datasets = listed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"postgres":          postgres,
		"object_store":      deps.Datasets != nil,
		"datasets":          datasets,
		"inference_enabled": deps.InferenceEnabled,
	})
}

func handleCreateSession(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r)
	if !ok {
		return
	}

	source, db, schema, err := loadSource(cfg, deps, w, r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s := deps.Sessions.Create(r.Context(), tenantID, source, db, schema)
	writeJSON(w, http.StatusCreated, sessionResponse{Session: s.Info(), Schema: schema, InferenceEnabled: deps.InferenceEnabled})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	active, err := s.Active()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s.Info(), Schema: active.Schema, InferenceEnabled: deps.InferenceEnabled})
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	active, err := s.Active()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active.Schema)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r)
	if !ok {
		return
	}
	if err := deps.Sessions.Delete(tenantID, r.PathValue("id")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleReplaceSource(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return
	}
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}

	source, db, schema, err := loadSource(cfg, deps, w, r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := s.Replace(source, db, schema); err != nil {
		if errors.Is(err, session.ErrClosed) {
			_ = db.Close()
			writeFailure(w, r, err)
			return
		}
		if deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "previous source did not close cleanly",
				slog.String("session_id", s.ID),
				slog.Any("error", err),
			)
		}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s.Info(), Schema: schema, InferenceEnabled: deps.InferenceEnabled})
}

// stagedSource is a request's source before it is opened. Bytes counts what
// was written to the staging dir.
type stagedSource struct {
	source query.Source
	origin string
	bytes  int64
}

// loadSource stages the request's source locally, opens it and describes it.
// Staged files live until the returned database is closed.
func loadSource(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) (query.Source, query.Database, query.Schema, error) {
	dir, err := os.MkdirTemp(cfg.Session.UploadDir, maintenance.StagingPrefix+"*")
	if err != nil {
		return query.Source{}, nil, query.Schema{}, fmt.Errorf("create upload dir: %w", err)
	}

	staged, err := stageSource(cfg, deps, dir, w, r)
	if err != nil {
		_ = os.RemoveAll(dir)
		observability.ObserveSourceLoad(staged.origin, string(staged.source.Format), loadOutcome(err), 0)
		return query.Source{}, nil, query.Schema{}, err
	}
	db, schema, err := deps.Pipeline.OpenSource(r.Context(), staged.source)
	observability.ObserveSourceLoad(staged.origin, string(staged.source.Format), loadOutcome(err), staged.bytes)
	if err != nil {
		_ = os.RemoveAll(dir)
		return query.Source{}, nil, query.Schema{}, err
	}
	return staged.source, &stagedDatabase{Database: db, dir: dir}, schema, nil
}

func loadOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if typed, ok := failure.As(err); ok {
		return strings.ToLower(string(typed.Kind))
	}
	return "error"
}

func stageSource(cfg config.Config, deps Dependencies, dir string, w http.ResponseWriter, r *http.Request) (stagedSource, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return stageUpload(cfg, dir, w, r)
	}

	var request sourceRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		return stagedSource{origin: "unknown"}, badRequest("INVALID_JSON", "invalid source request body")
	}
	request.ObjectKey = strings.TrimSpace(request.ObjectKey)
	request.Postgres = strings.TrimSpace(request.Postgres)

	switch {
	case request.ObjectKey != "" && request.Postgres != "":
		return stagedSource{origin: "unknown"}, badRequest("SOURCE_CONFLICT", "specify only one of object_key or postgres")
	case request.ObjectKey != "":
		staged := stagedSource{origin: originObjectStore}
		if deps.Datasets == nil {
			return staged, &requestError{status: http.StatusNotImplemented, code: "OBJECT_STORE_NOT_CONFIGURED", message: "object storage is not configured"}
		}
		path, dataset, err := deps.Datasets.Stage(r.Context(), request.ObjectKey, dir, cfg.HTTP.MaxUploadBytes)
		if err != nil {
			return staged, err
		}
		staged.source = query.Source{Format: dataset.Format, Path: path, Name: filepath.Base(path), TableName: request.TableName}
		staged.bytes = dataset.Size
		return staged, nil
	case request.Postgres != "":
		return stagedSource{
			origin: originPostgres,
			source: query.Source{Format: query.FormatPostgres, Name: request.Postgres},
		}, nil
	default:
		return stagedSource{origin: "unknown"}, badRequest("SOURCE_REQUIRED", "upload a file or specify object_key or postgres")
	}
}

func stageUpload(cfg config.Config, dir string, w http.ResponseWriter, r *http.Request) (stagedSource, error) {
	staged := stagedSource{origin: originUpload}
	if r.ContentLength > cfg.HTTP.MaxUploadBytes {
		return staged, &http.MaxBytesError{Limit: cfg.HTTP.MaxUploadBytes}
	}
	r.Body = http.MaxBytesReader(w, r.Body, cfg.HTTP.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemorySize); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return staged, maxBytesErr
		}
		return staged, badRequest("INVALID_UPLOAD", "invalid multipart upload")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return staged, badRequest("FILE_REQUIRED", "multipart field \"file\" is required")
	}
	defer func() { _ = file.Close() }()

	format, err := query.DetectFormat(header.Filename)
	if err != nil {
		return staged, err
	}
	staged.source.Format = format
	path, written, err := storage.StageFile(dir, "upload"+strings.ToLower(filepath.Ext(header.Filename)), file, cfg.HTTP.MaxUploadBytes)
	if err != nil {
		return staged, err
	}
	staged.bytes = written
	staged.source = query.Source{
		Format:    format,
		Path:      path,
		Name:      filepath.Base(header.Filename),
		TableName: strings.TrimSpace(r.FormValue("table_name")),
	}
	return staged, nil
}

// stagedDatabase removes the staged upload once the database is closed.
type stagedDatabase struct {
	query.Database
	dir string
}

func (d *stagedDatabase) Close() error {
	err := d.Database.Close()
	if removeErr := os.RemoveAll(d.dir); removeErr != nil && err == nil {
		err = removeErr
	}
	return err
}

func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return nil, false
	}
	tenantID, ok := authorize(w, r)
	if !ok {
		return nil, false
	}
	s, err := deps.Sessions.Get(tenantID, r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return s, true
}

func authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return "", false
	}
	if err := requireRole(r, roleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return tenantID, true
}

func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		return "", fmt.Errorf("tenant context is required")
	}
	return tenantID, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

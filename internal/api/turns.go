package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sqlchat/sqlchat/internal/session"
)

type askRequest struct {
	Question string `json:"question"`
}

type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type queryResponse struct {
	Columns   []string       `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Truncated bool           `json:"truncated"`
	Stats     map[string]any `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, question, ok := decodeQuestion(deps, w, r)
	if !ok {
		return
	}
	turn, err := deps.Pipeline.Ask(r.Context(), s, question)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

func handleListTurns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID,
		"turns":      s.Turns(),
	})
}

func handleTranslate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s, question, ok := decodeQuestion(deps, w, r)
	if !ok {
		return
	}
	result, err := deps.Pipeline.Translate(r.Context(), s, question)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sql":   result.SQL,
		"model": result.Model,
	})
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	result, err := deps.Pipeline.Query(r.Context(), s, request.SQL, request.RowLimit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
			"row_count":   len(result.Rows),
		},
	})
}

func decodeQuestion(deps Dependencies, w http.ResponseWriter, r *http.Request) (*session.Session, string, bool) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return nil, "", false
	}
	s, ok := lookupSession(deps, w, r)
	if !ok {
		return nil, "", false
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid question request body", false, map[string]any{"details": err.Error()})
		return nil, "", false
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return nil, "", false
	}
	return s, request.Question, true
}

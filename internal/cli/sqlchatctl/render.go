package sqlchatctl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

type schemaBody struct {
	Dialect string `json:"dialect"`
	Tables  []struct {
		Name     string `json:"name"`
		RowCount int64  `json:"row_count"`
		Columns  []struct {
			Name       string `json:"name"`
			Type       string `json:"type"`
			Nullable   bool   `json:"nullable"`
			PrimaryKey bool   `json:"primary_key"`
		} `json:"columns"`
	} `json:"tables"`
}

type sessionBody struct {
	Session struct {
		ID         string `json:"session_id"`
		SourceName string `json:"source_name"`
		Format     string `json:"format"`
		Dialect    string `json:"dialect"`
	} `json:"session"`
	Schema           schemaBody `json:"schema"`
	InferenceEnabled bool       `json:"inference_enabled"`
}

type turnBody struct {
	Question  string   `json:"question"`
	SQL       string   `json:"sql"`
	Answer    string   `json:"answer"`
	FollowUps []string `json:"follow_ups"`
	Table     string   `json:"table"`
	Fallback  bool     `json:"fallback"`
}

type queryBody struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
	Stats     struct {
		DurationMS int64 `json:"duration_ms"`
		RowCount   int   `json:"row_count"`
	} `json:"stats"`
}

type sourcesBody struct {
	Postgres    []string `json:"postgres"`
	ObjectStore bool     `json:"object_store"`
	Datasets    []struct {
		Key          string    `json:"key"`
		Format       string    `json:"format"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"last_modified"`
	} `json:"datasets"`
}

func renderSources(w io.Writer, raw []byte) error {
	var body sourcesBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	if len(body.Postgres) > 0 {
		_, _ = fmt.Fprintf(w, "postgres: %s\n", strings.Join(body.Postgres, ", "))
	}
	if !body.ObjectStore {
		_, _ = fmt.Fprintln(w, "object storage is not configured")
		return nil
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("datasets")
	t.AppendHeader(table.Row{"key", "format", "bytes", "modified"})
	for _, dataset := range body.Datasets {
		modified := ""
		if !dataset.LastModified.IsZero() {
			modified = dataset.LastModified.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{dataset.Key, dataset.Format, dataset.Size, modified})
	}
	_, _ = fmt.Fprintln(w, t.Render())
	return nil
}

func renderSession(w io.Writer, raw []byte) error {
	var body sessionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "session %s (%s, %s)\n", body.Session.ID, body.Session.SourceName, body.Session.Format)
	if !body.InferenceEnabled {
		_, _ = fmt.Fprintln(w, "inference is not configured; only `query` is available")
	}
	_, _ = fmt.Fprintln(w)
	writeSchema(w, body.Schema)
	return nil
}

func renderSchema(w io.Writer, raw []byte) error {
	var body schemaBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	writeSchema(w, body)
	return nil
}

func writeSchema(w io.Writer, schema schemaBody) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("schema (%s)", schema.Dialect))
	t.AppendHeader(table.Row{"table", "rows", "column", "type", "nullable", "key"})
	for _, tbl := range schema.Tables {
		for i, col := range tbl.Columns {
			name, rows := "", ""
			if i == 0 {
				name, rows = tbl.Name, fmt.Sprint(tbl.RowCount)
			}
			key := ""
			if col.PrimaryKey {
				key = "PK"
			}
			t.AppendRow(table.Row{name, rows, col.Name, col.Type, col.Nullable, key})
		}
		t.AppendSeparator()
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

func renderTurn(w io.Writer, raw []byte) error {
	var body turnBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	writeTurn(w, body)
	return nil
}

func writeTurn(w io.Writer, turn turnBody) {
	_, _ = fmt.Fprintln(w, turn.Answer)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "SQL: %s\n", turn.SQL)
	if turn.Table != "" {
		_, _ = fmt.Fprintln(w, turn.Table)
	}
	if len(turn.FollowUps) > 0 {
		_, _ = fmt.Fprintln(w, "\nYou could also ask:")
		for _, followUp := range turn.FollowUps {
			_, _ = fmt.Fprintf(w, "  - %s\n", followUp)
		}
	}
}

func renderTurns(w io.Writer, raw []byte) error {
	var body struct {
		Turns []turnBody `json:"turns"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	if len(body.Turns) == 0 {
		_, _ = fmt.Fprintln(w, "no turns yet")
		return nil
	}
	for i, turn := range body.Turns {
		if i > 0 {
			_, _ = fmt.Fprintln(w, strings.Repeat("-", 40))
		}
		_, _ = fmt.Fprintf(w, "Q%d: %s\n", i+1, turn.Question)
		writeTurn(w, turn)
	}
	return nil
}

func renderQuery(w io.Writer, raw []byte) error {
	var body queryBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	header := make(table.Row, len(body.Columns))
	for i, col := range body.Columns {
		header[i] = col
	}
	t.AppendHeader(header)
	for _, values := range body.Rows {
		row := make(table.Row, len(values))
		for i, value := range values {
			if value == nil {
				row[i] = "NULL"
				continue
			}
			row[i] = value
		}
		t.AppendRow(row)
	}
	footer := fmt.Sprintf("%d row(s) in %dms", body.Stats.RowCount, body.Stats.DurationMS)
	if body.Truncated {
		footer += " (truncated)"
	}
	_, _ = fmt.Fprintln(w, t.Render())
	_, _ = fmt.Fprintln(w, footer)
	return nil
}

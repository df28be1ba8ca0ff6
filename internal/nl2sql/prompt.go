package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlchat/sqlchat/internal/query"
)

type HistoryEntry struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Request struct {
	Question string
	Schema   query.Schema
	History  []HistoryEntry
}

type PromptOptions struct {
	SampleRows   int
	HistoryTurns int
}

type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the schema, recent history and question into the
// instruction for the SQL-writing model call. It has no side effects.
func BuildPrompt(req Request, opts PromptOptions) Prompt {
	dialect := req.Schema.Dialect
	if dialect == "" {
		dialect = "SQL"
	}

	system := fmt.Sprintf(
		"You translate questions about a user's data into a single read-only %s query. "+
			"Answer with exactly one SELECT statement inside a ```sql fenced block and nothing else.",
		dialect,
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Database schema (%s):\n", dialect)
	for _, table := range req.Schema.Tables {
		fmt.Fprintf(&b, "\nTable: %s (%d rows)\n", table.Name, table.RowCount)
		for _, col := range table.Columns {
			fmt.Fprintf(&b, "  - %s %s%s\n", col.Name, col.Type, columnNotes(col))
		}
		samples := table.SampleRows
		if opts.SampleRows >= 0 && len(samples) > opts.SampleRows {
			samples = samples[:opts.SampleRows]
		}
		if len(samples) > 0 {
			b.WriteString("  Sample rows:\n")
			for _, row := range samples {
				fmt.Fprintf(&b, "    %s\n", renderRow(row))
			}
		}
	}

	history := req.History
	if opts.HistoryTurns >= 0 && len(history) > opts.HistoryTurns {
		history = history[len(history)-opts.HistoryTurns:]
	}
	if len(history) > 0 {
		b.WriteString("\nEarlier questions in this conversation:\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "Q: %s\nSQL: %s\n", strings.TrimSpace(entry.Question), strings.TrimSpace(entry.SQL))
		}
	}

	fmt.Fprintf(&b, "\nUser question: %s\n", strings.TrimSpace(req.Question))
	fmt.Fprintf(&b, `
Write a %[1]s query that answers the question. Requirements:
1. Use only a SELECT statement (no INSERT, UPDATE, DELETE, DROP, PRAGMA or other writes).
2. Use only the tables and columns listed above, spelled exactly as shown.
3. Quote identifiers that contain spaces or special characters with double quotes.
4. Include WHERE, JOIN, GROUP BY and ORDER BY clauses as needed.
5. Use %[1]s-compatible syntax.
6. Return only the query inside a `+"```sql"+` fenced block, no explanations.
`, dialect)

	return Prompt{System: system, User: b.String()}
}

func columnNotes(col query.Column) string {
	var notes []string
	if col.PrimaryKey {
		notes = append(notes, "primary key")
	}
	if !col.Nullable && !col.PrimaryKey {
		notes = append(notes, "not null")
	}
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, ", ") + ")"
}

func renderRow(row []any) string {
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprint(row)
	}
	return string(encoded)
}

package nl2sql

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/query"
)

func testSchema() query.Schema {
	return query.Schema{
		Dialect: "SQLite",
		Tables: []query.Table{{
			Name:     "t",
			RowCount: 3,
			Columns: []query.Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "name", Type: "TEXT", Nullable: true},
			},
			SampleRows: [][]any{{int64(1), "alice"}, {int64(2), "bob"}, {int64(3), nil}},
		}},
	}
}

func TestBuildPromptIncludesSchemaSamplesAndQuestion(t *testing.T) {
	prompt := BuildPrompt(Request{Question: "How many rows are there?", Schema: testSchema()}, PromptOptions{SampleRows: 2, HistoryTurns: 3})

	for _, want := range []string{
		"Table: t (3 rows)",
		"  - id INTEGER (primary key)",
		"  - name TEXT\n",
		`[1,"alice"]`,
		`[2,"bob"]`,
		"User question: How many rows are there?",
		"SQLite-compatible syntax",
	} {
		if !strings.Contains(prompt.User, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt.User)
		}
	}
	if strings.Contains(prompt.User, `[3,null]`) {
		t.Fatal("prompt should include at most two sample rows")
	}
	if strings.Contains(prompt.User, "Earlier questions") {
		t.Fatal("prompt should not mention history without turns")
	}
	if !strings.Contains(prompt.System, "SQLite") {
		t.Fatalf("system = %q", prompt.System)
	}
}

func TestBuildPromptKeepsLastHistoryTurns(t *testing.T) {
	history := []HistoryEntry{
		{Question: "first", SQL: "SELECT 1"},
		{Question: "second", SQL: "SELECT 2"},
		{Question: "third", SQL: "SELECT 3"},
	}
	prompt := BuildPrompt(Request{Question: "fourth", Schema: testSchema(), History: history}, PromptOptions{SampleRows: 3, HistoryTurns: 2})
	if strings.Contains(prompt.User, "Q: first") {
		t.Fatal("oldest turn should be dropped")
	}
	if !strings.Contains(prompt.User, "Q: second\nSQL: SELECT 2") || !strings.Contains(prompt.User, "Q: third\nSQL: SELECT 3") {
		t.Fatalf("prompt missing recent history:\n%s", prompt.User)
	}

	again := BuildPrompt(Request{Question: "fourth", Schema: testSchema(), History: history}, PromptOptions{SampleRows: 3, HistoryTurns: 2})
	if again != prompt {
		t.Fatal("BuildPrompt() is not deterministic")
	}
}

func TestTranslateExtractsAndValidatesSQL(t *testing.T) {
	completer := &fakeCompleter{text: "Sure!\n```sql\nSELECT COUNT(*) FROM t;\n```"}
	translator := NewModelTranslator(completer, Options{Model: "m", Temperature: 0.1, MaxTokens: 500, Prompt: PromptOptions{SampleRows: 3, HistoryTurns: 3}})

	result, err := translator.Translate(context.Background(), Request{Question: "how many rows", Schema: testSchema()})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT COUNT(*) FROM t;" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if completer.last.Purpose != inference.PurposeQuery || completer.last.Temperature != 0.1 || completer.last.MaxTokens != 500 {
		t.Fatalf("request = %#v", completer.last)
	}
	if !strings.Contains(completer.last.Prompt, "how many rows") {
		t.Fatalf("prompt = %q", completer.last.Prompt)
	}
}

func TestTranslateRejectsUnsafeOutput(t *testing.T) {
	cases := []string{
		"DROP TABLE t",
		"```sql\nSELECT * FROM t; DELETE FROM t\n```",
		"SELECT * FROM customers",
	}
	for _, text := range cases {
		translator := NewModelTranslator(&fakeCompleter{text: text}, Options{})
		_, err := translator.Translate(context.Background(), Request{Question: "q", Schema: testSchema()})
		if !failure.IsKind(err, failure.KindUnsafeQuery) {
			t.Fatalf("Translate(%q) error = %v, want unsafe query", text, err)
		}
	}
}

func TestCheckTablesNamesAvailableTables(t *testing.T) {
	err := CheckTables(testSchema(), "SELECT * FROM customers")
	typed, ok := failure.As(err)
	if !ok || typed.Kind != failure.KindUnsafeQuery {
		t.Fatalf("CheckTables() error = %v, want unsafe query", err)
	}
	if !strings.Contains(typed.Message, `"customers"`) || !strings.Contains(typed.Message, "available: t") {
		t.Fatalf("message = %q", typed.Message)
	}
}

func TestCheckTablesAcceptsCTEWithColumnList(t *testing.T) {
	statement := "WITH named(id, label) AS (SELECT id, name FROM t) SELECT label FROM named WHERE id = 2"
	if err := CheckTables(testSchema(), statement); err != nil {
		t.Fatalf("CheckTables() error = %v", err)
	}
}

func TestTranslateWithoutCompleterIsAuthError(t *testing.T) {
	_, err := NewModelTranslator(nil, Options{}).Translate(context.Background(), Request{Question: "q", Schema: testSchema()})
	if !failure.IsKind(err, failure.KindAuth) {
		t.Fatalf("error = %v, want auth error", err)
	}
}

func TestTranslatePropagatesInferenceFailure(t *testing.T) {
	want := failure.RemoteService(500, "chat completion failed", errors.New("boom"))
	_, err := NewModelTranslator(&fakeCompleter{err: want}, Options{}).Translate(context.Background(), Request{Question: "q", Schema: testSchema()})
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
}

type fakeCompleter struct {
	text string
	err  error
	last inference.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req inference.Request) (inference.Completion, error) {
	f.last = req
	if f.err != nil {
		return inference.Completion{}, f.err
	}
	return inference.Completion{Text: f.text, Model: "fake-model", Attempts: 1}, nil
}

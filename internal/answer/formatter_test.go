package answer

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/query"
)

func TestFormatParsesReplyAndFollowUps(t *testing.T) {
	completer := &fakeCompleter{text: "The total amount is 30 across 2 orders.\n\n**Follow-up questions:**\n- What is the average amount?\n2. Which order is largest?\n"}
	formatter := NewFormatter(completer, Options{Model: "m", Temperature: 0.7, MaxTokens: 300, PreviewRows: 1, PreviewColumns: 10}, nil)

	result := query.Result{Columns: []string{"id", "amount"}, Rows: [][]any{{int64(1), int64(10)}, {int64(2), int64(20)}}}
	got := formatter.Format(context.Background(), Input{Question: "total amount?", SQL: "SELECT id, amount FROM t", Result: result})

	if got.Text != "The total amount is 30 across 2 orders." {
		t.Fatalf("Text = %q", got.Text)
	}
	want := []string{"What is the average amount?", "Which order is largest?"}
	if !reflect.DeepEqual(got.FollowUps, want) {
		t.Fatalf("FollowUps = %#v, want %#v", got.FollowUps, want)
	}
	if got.Fallback {
		t.Fatal("Fallback = true, want false")
	}
	if completer.calls != 1 || completer.last.Purpose != inference.PurposeAnswer || completer.last.MaxTokens != 300 {
		t.Fatalf("calls = %d request = %#v", completer.calls, completer.last)
	}
	for _, want := range []string{`User asked: "total amount?"`, "amount: total=30.00, avg=15.00", "Follow-up questions:"} {
		if !strings.Contains(completer.last.Prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, completer.last.Prompt)
		}
	}
	if strings.Count(completer.last.Prompt, "│ 2 ") != 0 {
		t.Fatalf("preview should be limited to one row:\n%s", completer.last.Prompt)
	}
}

func TestFormatFallsBackOnInferenceFailure(t *testing.T) {
	completer := &fakeCompleter{err: failure.RemoteService(500, "chat completion failed", nil)}
	formatter := NewFormatter(completer, Options{}, nil)

	result := query.Result{Columns: []string{"region", "total"}, Rows: [][]any{{"north", 10.5}, {"south", 4.5}, {"east", nil}}}
	got := formatter.Format(context.Background(), Input{Question: "totals by region", Result: result})

	if !got.Fallback {
		t.Fatal("Fallback = false, want true")
	}
	if got.Text != "I found 3 results for your question, with 2 columns each." {
		t.Fatalf("Text = %q", got.Text)
	}
	want := []string{"Would you like to see more details about any specific item?", "Do you want to filter these results further?"}
	if !reflect.DeepEqual(got.FollowUps, want) {
		t.Fatalf("FollowUps = %#v", got.FollowUps)
	}
	if !strings.Contains(got.Table, "north") {
		t.Fatalf("Table = %q", got.Table)
	}
}

func TestFormatSingleCellFallbackStatesValue(t *testing.T) {
	formatter := NewFormatter(nil, Options{}, nil)
	result := query.Result{Columns: []string{"total"}, Rows: [][]any{{int64(30)}}}

	got := formatter.Format(context.Background(), Input{Question: "sum?", Result: result})
	if got.Text != "I found 1 result for your question: total is 30." {
		t.Fatalf("Text = %q", got.Text)
	}
	if !reflect.DeepEqual(got.FollowUps, []string{"Want to see statistics or analysis of total?"}) {
		t.Fatalf("FollowUps = %#v", got.FollowUps)
	}
}

func TestFormatEmptyResultSkipsModel(t *testing.T) {
	completer := &fakeCompleter{text: "should not be used"}
	formatter := NewFormatter(completer, Options{}, nil)

	got := formatter.Format(context.Background(), Input{Question: "orders from 1990", Result: query.Result{Columns: []string{"id"}}})
	if completer.calls != 0 {
		t.Fatalf("calls = %d, want 0", completer.calls)
	}
	if !strings.Contains(got.Text, "couldn't find any data matching your question: 'orders from 1990'") {
		t.Fatalf("Text = %q", got.Text)
	}
	if got.Fallback || len(got.FollowUps) != 0 {
		t.Fatalf("answer = %#v", got)
	}
	if got.Table != "No data to display." {
		t.Fatalf("Table = %q", got.Table)
	}
}

func TestFormatUsesHeuristicsWhenModelListsNoFollowUps(t *testing.T) {
	formatter := NewFormatter(&fakeCompleter{text: "There are 2 rows."}, Options{}, nil)
	result := query.Result{Columns: []string{"a", "b"}, Rows: [][]any{{"x", "y"}, {"z", "w"}}}

	got := formatter.Format(context.Background(), Input{Question: "q", Result: result})
	if got.Text != "There are 2 rows." || len(got.FollowUps) != 2 {
		t.Fatalf("answer = %#v", got)
	}
}

func TestRenderTableNotesHiddenRows(t *testing.T) {
	result := query.Result{Columns: []string{"n"}}
	for i := 0; i < 12; i++ {
		result.Rows = append(result.Rows, []any{int64(i)})
	}
	out := RenderTable(result, 10, 10)
	if !strings.HasSuffix(out, "\n... and 2 more rows") {
		t.Fatalf("RenderTable() = %q", out)
	}
	if strings.Contains(out, " 11 ") {
		t.Fatalf("RenderTable() should stop at ten rows:\n%s", out)
	}
}

func TestSummarizeSkipsTextColumns(t *testing.T) {
	result := query.Result{
		Columns: []string{"name", "qty", "price", "a", "b"},
		Rows: [][]any{
			{"x", int64(1), 2.5, int64(1), int64(1)},
			{"y", int64(3), nil, int64(1), int64(1)},
		},
	}
	got := Summarize(result)
	want := "Found 2 record(s)\nNumeric summary: qty: total=4.00, avg=2.00, price: total=2.50, avg=2.50, a: total=2.00, avg=1.00"
	if got != want {
		t.Fatalf("Summarize() = %q, want %q", got, want)
	}
}

type fakeCompleter struct {
	text  string
	err   error
	calls int
	last  inference.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req inference.Request) (inference.Completion, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return inference.Completion{}, f.err
	}
	return inference.Completion{Text: f.text}, nil
}

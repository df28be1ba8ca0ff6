package answer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	tableRows    = 10
	tableColumns = 10
	maxFollowUps = 3
	maxHeuristic = 2
)

const systemPrompt = "You are a helpful data assistant. Give natural, conversational answers about " +
	"query results. Be specific with numbers and values from the results."

var (
	followUpHeader = regexp.MustCompile(`(?im)^[\s*#_]*follow[- ]?up questions?\s*[*_]*\s*:?[*_]*\s*$`)
	listMarker     = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

type Input struct {
	Question string
	SQL      string
	Result   query.Result
}

type Answer struct {
	Text      string   `json:"text"`
	FollowUps []string `json:"follow_ups"`
	Table     string   `json:"table"`
	Summary   string   `json:"summary"`
	Fallback  bool     `json:"fallback"`
}

type Options struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	PreviewRows    int
	PreviewColumns int
}

// Formatter turns a result into a conversational reply. A failed model call
// never fails the turn; the reply falls back to a deterministic summary.
type Formatter struct {
	completer inference.Completer
	opts      Options
	logger    *slog.Logger
}

func NewFormatter(completer inference.Completer, opts Options, logger *slog.Logger) *Formatter {
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = 10
	}
	if opts.PreviewColumns <= 0 {
		opts.PreviewColumns = 10
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Formatter{completer: completer, opts: opts, logger: logger}
}

func (f *Formatter) Format(ctx context.Context, in Input) Answer {
	if len(in.Result.Rows) == 0 {
		return Answer{
			Text: fmt.Sprintf("I couldn't find any data matching your question: '%s'. "+
				"You might want to try rephrasing your question or check that the data exists in your source.",
				strings.TrimSpace(in.Question)),
			FollowUps: []string{},
			Table:     RenderTable(in.Result, tableRows, tableColumns),
			Summary:   Summarize(in.Result),
		}
	}

	out := Answer{
		Table:   RenderTable(in.Result, tableRows, tableColumns),
		Summary: Summarize(in.Result),
	}

	text, err := f.converse(ctx, in, out.Summary)
	if err != nil {
		f.logger.WarnContext(ctx, "answer formatting fell back",
			slog.Any("error", err),
			slog.Int("rows", len(in.Result.Rows)),
		)
		observability.IncrementFallbackAnswer()
		out.Text = FallbackText(in.Result)
		out.Fallback = true
		out.FollowUps = HeuristicFollowUps(in.Result)
		return out
	}

	body, followUps := splitFollowUps(text)
	if body == "" {
		observability.IncrementFallbackAnswer()
		body = FallbackText(in.Result)
		out.Fallback = true
	}
	if len(followUps) == 0 {
		followUps = HeuristicFollowUps(in.Result)
	}
	out.Text = body
	out.FollowUps = followUps
	return out
}

func (f *Formatter) converse(ctx context.Context, in Input, summary string) (string, error) {
	if f.completer == nil {
		return "", fmt.Errorf("inference is not configured")
	}
	prompt := fmt.Sprintf(`User asked: "%s"
SQL query executed: %s
Results summary: %s
Result preview:
%s

Write a natural, conversational response that:
1. Directly answers the user's question
2. Mentions specific numbers and values from the results
3. Is friendly, concise and informative

After the response, add a line "Follow-up questions:" followed by up to %d short follow-up questions the user could ask next, one per line starting with "- ".
`, strings.TrimSpace(in.Question), strings.TrimSpace(in.SQL), summary, RenderTable(in.Result, f.opts.PreviewRows, f.opts.PreviewColumns), maxFollowUps)

	completion, err := f.completer.Complete(ctx, inference.Request{
		Purpose:     inference.PurposeAnswer,
		System:      systemPrompt,
		Prompt:      prompt,
		Model:       f.opts.Model,
		Temperature: f.opts.Temperature,
		MaxTokens:   f.opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// splitFollowUps separates the reply from the list after the
// "Follow-up questions:" line.
func splitFollowUps(text string) (string, []string) {
	loc := followUpHeader.FindStringIndex(text)
	if loc == nil {
		return strings.TrimSpace(text), nil
	}
	body := strings.TrimSpace(text[:loc[0]])
	var followUps []string
	for _, line := range strings.Split(text[loc[1]:], "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		followUps = append(followUps, line)
		if len(followUps) == maxFollowUps {
			break
		}
	}
	return body, followUps
}

// FallbackText describes a non-empty result without a model.
func FallbackText(result query.Result) string {
	rows := len(result.Rows)
	cols := len(result.Columns)
	if rows == 1 && cols == 1 {
		return fmt.Sprintf("I found 1 result for your question: %s is %s.", result.Columns[0], FormatValue(result.Rows[0][0]))
	}
	noun := "results"
	if rows == 1 {
		noun = "result"
	}
	text := fmt.Sprintf("I found %d %s for your question, with %d %s each.", rows, noun, cols, plural(cols, "column", "columns"))
	if result.Truncated {
		text += fmt.Sprintf(" Only the first %d rows were kept.", rows)
	}
	return text
}

// HeuristicFollowUps suggests at most two next questions from the result's shape.
func HeuristicFollowUps(result query.Result) []string {
	suggestions := []string{}
	rows := len(result.Rows)
	if rows == 0 {
		return suggestions
	}
	if rows > 1 {
		suggestions = append(suggestions,
			"Would you like to see more details about any specific item?",
			"Do you want to filter these results further?",
		)
		if len(result.Columns) > 1 {
			suggestions = append(suggestions, fmt.Sprintf("Would you like me to sort these by %s or %s?", result.Columns[0], result.Columns[1]))
		}
	}
	if numeric := numericColumns(result); len(numeric) > 0 {
		suggestions = append(suggestions, fmt.Sprintf("Want to see statistics or analysis of %s?", result.Columns[numeric[0]]))
	}
	if len(suggestions) > maxHeuristic {
		suggestions = suggestions[:maxHeuristic]
	}
	return suggestions
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

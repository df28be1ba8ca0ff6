// Package pipeline runs a conversation turn: question to SQL, SQL to rows,
// rows to a conversational answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/answer"
	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

// ErrSourceChanged is returned when the session's source was replaced or
// closed while a turn was running. The turn is not recorded.
var ErrSourceChanged = errors.New("pipeline: data source changed during turn")

type Config struct {
	Engines          query.Loader
	Translator       nl2sql.Translator
	Formatter        *answer.Formatter
	Logger           *slog.Logger
	SchemaSampleRows int
	RowLimit         int
	QueryTimeout     time.Duration
}

type Pipeline struct {
	engines      query.Loader
	translator   nl2sql.Translator
	formatter    *answer.Formatter
	logger       *slog.Logger
	sampleRows   int
	rowLimit     int
	queryTimeout time.Duration
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	formatter := cfg.Formatter
	if formatter == nil {
		formatter = answer.NewFormatter(nil, answer.Options{}, logger)
	}
	return &Pipeline{
		engines:      cfg.Engines,
		translator:   cfg.Translator,
		formatter:    formatter,
		logger:       logger,
		sampleRows:   cfg.SchemaSampleRows,
		rowLimit:     cfg.RowLimit,
		queryTimeout: cfg.QueryTimeout,
	}
}

// OpenSource loads a source and describes it once. The database is closed
// again when it cannot be described.
func (p *Pipeline) OpenSource(ctx context.Context, source query.Source) (query.Database, query.Schema, error) {
	if p.engines == nil {
		return nil, query.Schema{}, fmt.Errorf("no engines configured")
	}
	db, err := p.engines.Open(ctx, source)
	if err != nil {
		return nil, query.Schema{}, err
	}
	schema, err := db.Describe(ctx, p.sampleRows)
	if err != nil {
		_ = db.Close()
		return nil, query.Schema{}, err
	}
	observability.WithTrace(ctx, p.logger).InfoContext(ctx, "source loaded",
		slog.String("format", string(source.Format)),
		slog.String("name", source.Name),
		slog.Int("tables", len(schema.Tables)),
	)
	return db, schema, nil
}

// Ask answers one question against the session's active source and records
// the turn. Turns on the same session run one at a time.
func (p *Pipeline) Ask(ctx context.Context, s *session.Session, question string) (session.Turn, error) {
	start := time.Now()
	turn, err := p.ask(ctx, s, question)
	outcome := turnOutcome(turn, err)
	observability.ObserveTurn(outcome, time.Since(start))

	logger := observability.WithTrace(ctx, p.logger)
	attrs := []any{
		slog.String("session_id", s.ID),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		if typed, ok := failure.As(err); ok && typed.SQL != "" {
			attrs = append(attrs, slog.String("sql", typed.SQL))
		}
		logger.WarnContext(ctx, "turn failed", attrs...)
		return session.Turn{}, err
	}
	attrs = append(attrs, slog.String("sql", turn.SQL), slog.Int("rows", len(turn.Rows)))
	logger.InfoContext(ctx, "turn answered", attrs...)
	return turn, nil
}

func (p *Pipeline) ask(ctx context.Context, s *session.Session, question string) (session.Turn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return session.Turn{}, failure.Data("question is required", nil)
	}

	release := s.BeginTurn()
	defer release()

	active, err := s.Active()
	if err != nil {
		return session.Turn{}, err
	}

	translation, err := p.translate(ctx, s, active, question)
	if err != nil {
		return session.Turn{}, err
	}

	result, err := p.execute(ctx, active.DB, translation.SQL, p.rowLimit)
	if err != nil {
		if current, activeErr := s.Active(); activeErr != nil || current.SourceID != active.SourceID {
			return session.Turn{}, ErrSourceChanged
		}
		return session.Turn{}, err
	}

	reply := p.formatter.Format(ctx, answer.Input{Question: question, SQL: translation.SQL, Result: result})
	turn := session.Turn{
		Question:  question,
		SQL:       translation.SQL,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Answer:    reply.Text,
		FollowUps: reply.FollowUps,
		Table:     reply.Table,
		Fallback:  reply.Fallback,
		SourceID:  active.SourceID,
		CreatedAt: time.Now().UTC(),
	}
	if !s.AppendTurn(turn) {
		return session.Turn{}, ErrSourceChanged
	}
	turns := s.Turns()
	return turns[len(turns)-1], nil
}

// Translate returns the validated SQL for a question without running it.
func (p *Pipeline) Translate(ctx context.Context, s *session.Session, question string) (nl2sql.Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nl2sql.Result{}, failure.Data("question is required", nil)
	}
	active, err := s.Active()
	if err != nil {
		return nl2sql.Result{}, err
	}
	return p.translate(ctx, s, active, question)
}

// Query validates and runs caller-supplied SQL. It needs no inference
// endpoint. A non-positive row limit uses the configured one.
func (p *Pipeline) Query(ctx context.Context, s *session.Session, statement string, rowLimit int) (query.Result, error) {
	validated, err := sqlguard.Validate(statement)
	if err != nil {
		observability.IncrementUnsafeQuery()
		return query.Result{}, err
	}
	active, err := s.Active()
	if err != nil {
		return query.Result{}, err
	}
	if err := nl2sql.CheckTables(active.Schema, validated); err != nil {
		observability.IncrementUnsafeQuery()
		return query.Result{}, err
	}
	if rowLimit <= 0 || (p.rowLimit > 0 && rowLimit > p.rowLimit) {
		rowLimit = p.rowLimit
	}
	return p.execute(ctx, active.DB, validated, rowLimit)
}

func (p *Pipeline) translate(ctx context.Context, s *session.Session, active session.Active, question string) (nl2sql.Result, error) {
	if p.translator == nil {
		return nl2sql.Result{}, failure.Auth("inference API key is not configured", nil)
	}
	prior := s.History(active.SourceID)
	history := make([]nl2sql.HistoryEntry, 0, len(prior))
	for _, turn := range prior {
		history = append(history, nl2sql.HistoryEntry{Question: turn.Question, SQL: turn.SQL})
	}

	result, err := p.translator.Translate(ctx, nl2sql.Request{
		Question: question,
		Schema:   active.Schema,
		History:  history,
	})
	if err != nil {
		if failure.IsKind(err, failure.KindUnsafeQuery) {
			observability.IncrementUnsafeQuery()
		}
		return nl2sql.Result{}, err
	}
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, db query.Database, statement string, rowLimit int) (query.Result, error) {
	if db == nil {
		return query.Result{}, session.ErrClosed
	}
	execCtx := ctx
	if p.queryTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.queryTimeout)
		defer cancel()
	}
	result, err := db.Execute(execCtx, query.Request{SQL: sqlguard.Executable(statement), RowLimit: rowLimit})
	if err != nil {
		if typed, ok := failure.As(err); ok && typed.SQL != "" {
			typed.SQL = statement
		}
		return query.Result{}, err
	}
	return result, nil
}

func turnOutcome(turn session.Turn, err error) string {
	if err == nil {
		if turn.Fallback {
			return "fallback"
		}
		return "ok"
	}
	if typed, ok := failure.As(err); ok {
		return strings.ToLower(string(typed.Kind))
	}
	if errors.Is(err, ErrSourceChanged) {
		return "discarded"
	}
	return "error"
}

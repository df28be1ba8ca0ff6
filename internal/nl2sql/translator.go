package nl2sql

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

type Result struct {
	SQL   string `json:"sql"`
	Raw   string `json:"raw,omitempty"`
	Model string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Prompt      PromptOptions
}

// ModelTranslator asks a chat model for SQL and only returns statements that
// pass validation against the request's schema.
type ModelTranslator struct {
	completer inference.Completer
	opts      Options
}

func NewModelTranslator(completer inference.Completer, opts Options) *ModelTranslator {
	return &ModelTranslator{completer: completer, opts: opts}
}

func (t *ModelTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if t.completer == nil {
		return Result{}, failure.Auth("inference API key is not configured", nil)
	}

	prompt := BuildPrompt(req, t.opts.Prompt)
	completion, err := t.completer.Complete(ctx, inference.Request{
		Purpose:     inference.PurposeQuery,
		System:      prompt.System,
		Prompt:      prompt.User,
		Model:       t.opts.Model,
		Temperature: t.opts.Temperature,
		MaxTokens:   t.opts.MaxTokens,
	})
	if err != nil {
		return Result{}, err
	}

	statement, err := sqlguard.Validate(sqlguard.Extract(completion.Text))
	if err != nil {
		return Result{}, err
	}
	if err := CheckTables(req.Schema, statement); err != nil {
		return Result{}, err
	}
	return Result{SQL: statement, Raw: completion.Text, Model: completion.Model}, nil
}

// CheckTables rejects statements that read tables the schema does not have.
func CheckTables(schema query.Schema, statement string) error {
	for _, ref := range sqlguard.ReferencedTables(statement) {
		if _, ok := schema.Table(ref); !ok {
			return failure.UnsafeQuery(statement, fmt.Sprintf("statement references unknown table %q (available: %s)", ref, strings.Join(schema.TableNames(), ", ")))
		}
	}
	return nil
}

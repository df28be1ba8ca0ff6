// Package sqlguard pulls a SQL statement out of model output and decides
// whether it is a single read-only query that may be executed.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sqlchat/sqlchat/internal/failure"
)

var fencedBlock = regexp.MustCompile("(?s)```[ \t]*([A-Za-z0-9_-]*)[ \t]*\r?\n?(.*?)```")

var forbiddenKeywords = map[string]struct{}{
	"INSERT":   {},
	"UPDATE":   {},
	"DELETE":   {},
	"DROP":     {},
	"ALTER":    {},
	"ATTACH":   {},
	"DETACH":   {},
	"CREATE":   {},
	"REPLACE":  {},
	"TRUNCATE": {},
	"PRAGMA":   {},
	"VACUUM":   {},
	"REINDEX":  {},
	"GRANT":    {},
	"REVOKE":   {},
	"COPY":     {},
	"CALL":     {},
	"EXEC":     {},
	"EXECUTE":  {},
	"MERGE":    {},
	"UPSERT":   {},
	"INSTALL":  {},
	"LOAD":     {},
}

// Extract returns the body of the first fenced code block in text, or the
// whole text when there is no fence. The result is trimmed.
func Extract(text string) string {
	match := fencedBlock.FindStringSubmatch(text)
	if match == nil {
		return strings.TrimSpace(text)
	}
	body := match[2]
	inner := match[0][3 : len(match[0])-3]
	lang := match[1]
	switch {
	case lang == "":
	case isStatementKeyword(lang):
		// ```SELECT\n  a FROM t```: the statement starts right after the fence.
		body = inner
	case !strings.EqualFold(lang, "sql") && !strings.Contains(inner, "\n"):
		body = inner
	}
	return strings.TrimSpace(body)
}

func isStatementKeyword(word string) bool {
	keyword := strings.ToUpper(word)
	switch keyword {
	case "SELECT", "WITH", "EXPLAIN", "VALUES", "SHOW", "DESCRIBE":
		return true
	}
	_, forbidden := forbiddenKeywords[keyword]
	return forbidden
}

// Validate accepts exactly one SELECT statement (optionally led by WITH) and
// returns it trimmed. Anything else is an UnsafeQuery failure.
func Validate(statement string) (string, error) {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return "", failure.UnsafeQuery(statement, "no SQL statement was produced")
	}
	tokens, err := tokenize(trimmed)
	if err != nil {
		return "", failure.UnsafeQuery(trimmed, err.Error())
	}
	tokens, err = singleStatement(tokens)
	if err != nil {
		return "", failure.UnsafeQuery(trimmed, err.Error())
	}
	if len(tokens) == 0 {
		return "", failure.UnsafeQuery(trimmed, "no SQL statement was produced")
	}

	switch tokens[0].upper() {
	case "SELECT":
	case "WITH":
		if !hasTopLevelSelect(tokens[1:]) {
			return "", failure.UnsafeQuery(trimmed, "WITH clause does not lead to a SELECT")
		}
	default:
		return "", failure.UnsafeQuery(trimmed, "only SELECT statements are allowed")
	}

	for i, tok := range tokens {
		keyword := tok.upper()
		if _, forbidden := forbiddenKeywords[keyword]; !forbidden {
			continue
		}
		// replace(x, 'a', 'b') is a string function, not REPLACE INTO.
		if keyword == "REPLACE" && i+1 < len(tokens) && tokens[i+1].isSymbol("(") {
			continue
		}
		return "", failure.UnsafeQuery(trimmed, fmt.Sprintf("statement contains forbidden keyword %s", keyword))
	}
	return trimmed, nil
}

// singleStatement drops trailing semicolons and rejects any token after one.
func singleStatement(tokens []token) ([]token, error) {
	for i, tok := range tokens {
		if !tok.isSymbol(";") {
			continue
		}
		for _, rest := range tokens[i+1:] {
			if !rest.isSymbol(";") {
				return nil, fmt.Errorf("multiple statements are not allowed")
			}
		}
		return tokens[:i], nil
	}
	return tokens, nil
}

func hasTopLevelSelect(tokens []token) bool {
	depth := 0
	for _, tok := range tokens {
		switch {
		case tok.isSymbol("("):
			depth++
		case tok.isSymbol(")"):
			depth--
		case depth == 0 && tok.upper() == "SELECT":
			return true
		}
	}
	return false
}

// Executable trims a validated statement to the text an engine should run:
// trailing semicolons and comments are dropped so the statement can be
// wrapped in a subquery.
func Executable(statement string) string {
	tokens, err := tokenize(statement)
	if err != nil {
		return strings.TrimSpace(statement)
	}
	tokens, err = singleStatement(tokens)
	if err != nil || len(tokens) == 0 {
		return strings.TrimSpace(statement)
	}
	return strings.TrimSpace(statement[tokens[0].pos:tokens[len(tokens)-1].end])
}

package sqlite

import (
	"context"
	"regexp"
	"strings"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

var (
	mysqlTableOption = regexp.MustCompile(`(?i)\b(ENGINE|(DEFAULT\s+)?CHARSET|(DEFAULT\s+)?CHARACTER\s+SET|(DEFAULT\s+)?COLLATE|AUTO_INCREMENT|ROW_FORMAT)\s*=\s*\w+`)
	mysqlColumnText  = regexp.MustCompile(`(?i)\b(CHARACTER\s+SET|COLLATE)\s+\w+`)
	mysqlIndexDef    = regexp.MustCompile(`(?i),\s*(UNIQUE\s+|FULLTEXT\s+)?(KEY|INDEX)\s+"[^"]*"\s*\([^)]*\)`)
	mysqlComment     = regexp.MustCompile(`(?i)\bCOMMENT\s*=?\s*'(?:[^']|'')*'`)
	mysqlOnUpdate    = regexp.MustCompile(`(?i)\bON\s+UPDATE\s+CURRENT_TIMESTAMP(\(\d*\))?`)
	mysqlAutoInc     = regexp.MustCompile(`(?i)\bAUTO_INCREMENT\b`)
	mysqlUnsigned    = regexp.MustCompile(`(?i)\bUNSIGNED\b`)
	mysqlInsertIgn   = regexp.MustCompile(`(?i)^INSERT\s+IGNORE\b`)
)

// loadDump replays the CREATE and INSERT statements of a SQL dump into a
// private in-memory database. Any other statement is skipped, and so is a
// statement SQLite rejects. The dump has to produce at least one table.
func loadDump(ctx context.Context, source query.Source) (*Database, error) {
	script, err := readText(source.Path)
	if err != nil {
		return nil, failure.Data("the SQL file could not be read", err)
	}
	// mysqldump quotes every identifier with backquotes
	mysql := strings.Contains(script, "`")

	db, err := openMemory()
	if err != nil {
		return nil, err
	}
	var firstErr error
	for _, stmt := range splitStatements(script, mysql) {
		if !isDumpStatement(stmt) {
			continue
		}
		if mysql {
			stmt = fromMySQL(stmt)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if ctx.Err() != nil {
				_ = db.Close()
				return nil, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	names, err := listTables(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, failure.Data("the SQL file could not be loaded", err)
	}
	if len(names) == 0 {
		_ = db.Close()
		return nil, failure.Data("the SQL file created no tables", firstErr)
	}
	return freeze(ctx, db)
}

func isDumpStatement(stmt string) bool {
	words := strings.Fields(strings.ToUpper(stmt))
	if len(words) < 2 {
		return false
	}
	switch words[0] {
	case "INSERT", "REPLACE":
		return true
	case "CREATE":
		switch words[1] {
		case "TABLE", "INDEX", "UNIQUE", "VIEW":
			return true
		}
	}
	return false
}

// fromMySQL rewrites the mysqldump idioms SQLite does not parse.
func fromMySQL(stmt string) string {
	if strings.HasPrefix(strings.ToUpper(stmt), "CREATE TABLE") {
		stmt = mysqlIndexDef.ReplaceAllString(stmt, "")
		stmt = mysqlComment.ReplaceAllString(stmt, "")
		stmt = mysqlOnUpdate.ReplaceAllString(stmt, "")
		stmt = mysqlTableOption.ReplaceAllString(stmt, "")
		stmt = mysqlColumnText.ReplaceAllString(stmt, "")
		stmt = mysqlAutoInc.ReplaceAllString(stmt, "")
		stmt = mysqlUnsigned.ReplaceAllString(stmt, "")
		return strings.TrimSpace(stmt)
	}
	return mysqlInsertIgn.ReplaceAllString(stmt, "INSERT OR IGNORE")
}

// splitStatements cuts a script at top-level semicolons and drops comments.
// Backquoted identifiers come out double-quoted. With backslashEscapes set,
// escapes inside single-quoted strings are rewritten to SQLite literals.
func splitStatements(script string, backslashEscapes bool) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case ch == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
				continue
			}
			i += end + 3
			current.WriteByte(' ')
		case ch == ';':
			flush()
		case ch == '\'' || ch == '"' || ch == '`':
			i = copyQuoted(&current, script, i, backslashEscapes)
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return statements
}

// copyQuoted copies the quoted run starting at start and returns the index of
// its closing quote.
func copyQuoted(b *strings.Builder, script string, start int, backslashEscapes bool) int {
	quote := script[start]
	out := quote
	if quote == '`' {
		out = '"'
	}
	b.WriteByte(out)
	for i := start + 1; i < len(script); i++ {
		ch := script[i]
		switch {
		case ch == '\\' && backslashEscapes && quote == '\'' && i+1 < len(script):
			i++
			b.WriteString(unescapeMySQL(script[i]))
		case ch == quote && i+1 < len(script) && script[i+1] == quote:
			b.WriteByte(out)
			b.WriteByte(out)
			i++
		case ch == quote:
			b.WriteByte(out)
			return i
		case ch == '"' && quote == '`':
			b.WriteString(`""`)
		default:
			b.WriteByte(ch)
		}
	}
	return len(script)
}

func unescapeMySQL(ch byte) string {
	switch ch {
	case 'n':
		return "\n"
	case 'r':
		return "\r"
	case 't':
		return "\t"
	case 'Z':
		return "\x1a"
	case '0':
		return ""
	case '\'':
		return "''"
	default:
		return string(ch)
	}
}

package sqlguard

import "strings"

// Words after which "(" opens a subquery or grouping rather than a call.
var nonCallWords = map[string]struct{}{
	"FROM": {}, "JOIN": {}, "IN": {}, "AS": {}, "EXISTS": {}, "ON": {},
	"WHERE": {}, "AND": {}, "OR": {}, "NOT": {}, "SELECT": {}, "UNION": {},
	"ALL": {}, "ANY": {}, "SOME": {}, "WITH": {}, "LATERAL": {}, "VALUES": {},
	"HAVING": {}, "BY": {}, "THEN": {}, "ELSE": {}, "WHEN": {}, "CASE": {},
	"RECURSIVE": {}, "INTERSECT": {}, "EXCEPT": {}, "DISTINCT": {}, "MATERIALIZED": {},
}

// Words that end a table reference instead of naming its alias.
var clauseWords = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {},
	"JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"OUTER": {}, "NATURAL": {}, "ON": {}, "USING": {}, "UNION": {}, "INTERSECT": {},
	"EXCEPT": {}, "WINDOW": {}, "QUALIFY": {}, "FETCH": {}, "FOR": {}, "SAMPLE": {},
	"TABLESAMPLE": {}, "LATERAL": {}, "AS": {},
}

// ReferencedTables lists the table names read by a statement, in order of
// first appearance. CTE names and table functions are not reported. Names
// keep their schema qualifier ("public.orders").
func ReferencedTables(statement string) []string {
	tokens, err := tokenize(statement)
	if err != nil {
		return nil
	}

	ctes := map[string]struct{}{}
	for i := range tokens {
		if isCTEName(tokens, i) {
			ctes[strings.ToLower(tokens[i].text)] = struct{}{}
		}
	}

	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		key := strings.ToLower(name)
		if _, ok := ctes[key]; ok {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}

	// parens marks which open parens belong to a function call; FROM inside
	// EXTRACT(YEAR FROM ts) is not a table reference.
	var parens []bool
	inCall := func() bool {
		return len(parens) > 0 && parens[len(parens)-1]
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.isSymbol("("):
			call := false
			if i > 0 && tokens[i-1].isIdent() {
				_, grouping := nonCallWords[tokens[i-1].upper()]
				call = !grouping
			}
			parens = append(parens, call)
			continue
		case tok.isSymbol(")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			continue
		}

		keyword := tok.upper()
		if (keyword != "FROM" && keyword != "JOIN") || inCall() {
			continue
		}
		if keyword == "FROM" && i > 0 && tokens[i-1].upper() == "DISTINCT" {
			continue
		}
		j := i + 1
		for j < len(tokens) {
			name, next, ok := readTableName(tokens, j)
			if !ok {
				break
			}
			if next < len(tokens) && tokens[next].isSymbol("(") {
				// table function such as read_csv_auto('x.csv')
				break
			}
			add(name)
			j = skipAlias(tokens, next)
			if keyword != "FROM" || j >= len(tokens) || !tokens[j].isSymbol(",") {
				break
			}
			j++
		}
	}
	return out
}

func readTableName(tokens []token, i int) (string, int, bool) {
	if i >= len(tokens) || !tokens[i].isIdent() {
		return "", i, false
	}
	if _, clause := clauseWords[tokens[i].upper()]; clause {
		return "", i, false
	}
	parts := []string{tokens[i].text}
	i++
	for i+1 < len(tokens) && tokens[i].isSymbol(".") && tokens[i+1].isIdent() {
		parts = append(parts, tokens[i+1].text)
		i += 2
	}
	return strings.Join(parts, "."), i, true
}

func skipAlias(tokens []token, i int) int {
	if i < len(tokens) && tokens[i].upper() == "AS" {
		i++
	}
	if i < len(tokens) && tokens[i].isIdent() {
		if _, clause := clauseWords[tokens[i].upper()]; !clause {
			i++
		}
	}
	return i
}

// isCTEName reports whether tokens[i] names a common table expression:
// "name AS (" or, directly after WITH, RECURSIVE or a comma,
// "name (col, ...) AS [NOT] [MATERIALIZED] (".
func isCTEName(tokens []token, i int) bool {
	if !tokens[i].isIdent() {
		return false
	}
	j := i + 1
	if j < len(tokens) && tokens[j].isSymbol("(") {
		if i == 0 {
			return false
		}
		switch prev := tokens[i-1]; {
		case prev.upper() == "WITH", prev.upper() == "RECURSIVE", prev.isSymbol(","):
		default:
			return false
		}
		j = closingParen(tokens, j)
		if j < 0 {
			return false
		}
		j++
	}
	if j >= len(tokens) || tokens[j].upper() != "AS" {
		return false
	}
	j++
	if j < len(tokens) && tokens[j].upper() == "NOT" {
		j++
	}
	if j < len(tokens) && tokens[j].upper() == "MATERIALIZED" {
		j++
	}
	return j < len(tokens) && tokens[j].isSymbol("(")
}

// closingParen returns the index of the ")" matching the "(" at open, or -1.
func closingParen(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].isSymbol("("):
			depth++
		case tokens[i].isSymbol(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

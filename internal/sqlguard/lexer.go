package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
	end  int
}

// upper is the keyword form of a bare word; quoted identifiers never match keywords.
func (t token) upper() string {
	if t.kind != tokenWord {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (t token) isSymbol(sym string) bool {
	return t.kind == tokenSymbol && t.text == sym
}

func (t token) isIdent() bool {
	return t.kind == tokenWord || t.kind == tokenQuotedIdent
}

// lexer splits a statement into words, quoted identifiers, literals and
// symbols. Comments are dropped.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) atEOF() bool {
	return l.pos >= len(l.input)
}

func tokenize(input string) ([]token, error) {
	l := newLexer(input)
	var out []token
	for {
		if err := l.skipWhitespaceAndComments(); err != nil {
			return nil, err
		}
		if l.atEOF() {
			return out, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tok.end = l.pos
		out = append(out, tok)
	}
}

func (l *lexer) skipWhitespaceAndComments() error {
	for !l.atEOF() {
		switch {
		case isSpace(l.ch):
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			for !l.atEOF() && l.ch != '\n' {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			start := l.pos
			l.readChar()
			l.readChar()
			for {
				if l.atEOF() {
					return fmt.Errorf("unterminated block comment at offset %d", start)
				}
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					break
				}
				l.readChar()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	start := l.pos
	switch {
	case (l.ch == 'E' || l.ch == 'e') && l.peekChar() == '\'':
		l.readChar()
		text, err := l.readEscaped()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenString, text: text, pos: start}, nil
	case l.ch == '$' && l.dollarTag() != "":
		text, err := l.readDollarQuoted(l.dollarTag())
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenString, text: text, pos: start}, nil
	case isIdentStart(l.ch):
		for !l.atEOF() && isIdentPart(l.ch) {
			l.readChar()
		}
		return token{kind: tokenWord, text: l.input[start:l.pos], pos: start}, nil
	case isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())):
		for !l.atEOF() && (isDigit(l.ch) || l.ch == '.' || l.ch == 'e' || l.ch == 'E') {
			l.readChar()
		}
		return token{kind: tokenNumber, text: l.input[start:l.pos], pos: start}, nil
	case l.ch == '\'':
		text, err := l.readQuoted('\'')
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenString, text: text, pos: start}, nil
	case l.ch == '"':
		text, err := l.readQuoted('"')
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenQuotedIdent, text: text, pos: start}, nil
	case l.ch == '`':
		text, err := l.readQuoted('`')
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenQuotedIdent, text: text, pos: start}, nil
	default:
		l.readChar()
		return token{kind: tokenSymbol, text: l.input[start:l.pos], pos: start}, nil
	}
}

// readQuoted consumes a quoted run where a doubled quote is an escaped quote.
func (l *lexer) readQuoted(quote byte) (string, error) {
	start := l.pos
	l.readChar()
	var b strings.Builder
	for {
		if l.atEOF() {
			return "", fmt.Errorf("unterminated quoted text at offset %d", start)
		}
		if l.ch == quote {
			if l.peekChar() == quote {
				b.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return b.String(), nil
		}
		b.WriteByte(l.ch)
		l.readChar()
	}
}

// readEscaped consumes an E'...' body, where a backslash escapes the next
// byte and a doubled quote is still a quote.
func (l *lexer) readEscaped() (string, error) {
	start := l.pos
	l.readChar()
	var b strings.Builder
	for {
		if l.atEOF() {
			return "", fmt.Errorf("unterminated escape string at offset %d", start)
		}
		switch {
		case l.ch == '\\':
			l.readChar()
			if l.atEOF() {
				return "", fmt.Errorf("unterminated escape string at offset %d", start)
			}
			b.WriteByte(l.ch)
			l.readChar()
		case l.ch == '\'' && l.peekChar() == '\'':
			b.WriteByte('\'')
			l.readChar()
			l.readChar()
		case l.ch == '\'':
			l.readChar()
			return b.String(), nil
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

// dollarTag returns the opening delimiter ("$$" or "$tag$") at the current
// position, or "" when the dollar sign is not a quote (a $1 parameter).
func (l *lexer) dollarTag() string {
	i := l.pos + 1
	if i < len(l.input) && isDigit(l.input[i]) {
		return ""
	}
	for i < len(l.input) && l.input[i] != '$' {
		ch := l.input[i]
		if !isIdentStart(ch) && !isDigit(ch) {
			return ""
		}
		i++
	}
	if i >= len(l.input) {
		return ""
	}
	return l.input[l.pos : i+1]
}

// readDollarQuoted consumes $tag$...$tag$ verbatim.
func (l *lexer) readDollarQuoted(tag string) (string, error) {
	start := l.pos
	bodyStart := start + len(tag)
	end := strings.Index(l.input[bodyStart:], tag)
	if end < 0 {
		return "", fmt.Errorf("unterminated dollar-quoted text at offset %d", start)
	}
	stop := bodyStart + end + len(tag)
	for l.pos < stop {
		l.readChar()
	}
	return l.input[bodyStart : bodyStart+end], nil
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '$'
}

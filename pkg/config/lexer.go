// Package config loads the controller configuration.
//
// The file uses brace-delimited hierarchical syntax:
//
//	controller {
//	    listen 0.0.0.0:6633;
//	    mode load-balancing;
//	}
//
// Text is tokenized by Lexer, assembled into a ConfigTree by Parser and
// turned into a typed Config by CompileConfig.
package config

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

var tokenNames = map[TokenType]string{
	TokenLBrace:     "'{'",
	TokenRBrace:     "'}'",
	TokenSemicolon:  "';'",
	TokenIdentifier: "identifier",
	TokenString:     "string",
	TokenEOF:        "EOF",
	TokenError:      "error",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "unknown"
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	switch t.Type {
	case TokenIdentifier, TokenString, TokenError:
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text.
type Lexer struct {
	src    string
	off    int
	line   int
	column int
}

// NewLexer creates a Lexer over src.
func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, column: 1}
}

// Next returns the next token.
func (l *Lexer) Next() Token {
	l.skipSpace()
	line, col := l.line, l.column
	tok := func(typ TokenType, val string) Token {
		return Token{Type: typ, Value: val, Line: line, Column: col}
	}

	if l.off >= len(l.src) {
		return tok(TokenEOF, "")
	}
	switch ch := l.src[l.off]; {
	case ch == '{':
		l.step()
		return tok(TokenLBrace, "{")
	case ch == '}':
		l.step()
		return tok(TokenRBrace, "}")
	case ch == ';':
		l.step()
		return tok(TokenSemicolon, ";")
	case ch == '"':
		s, ok := l.quoted()
		if !ok {
			return tok(TokenError, "unterminated string")
		}
		return tok(TokenString, s)
	case isWordByte(ch):
		start := l.off
		for l.off < len(l.src) && isWordByte(l.src[l.off]) {
			l.step()
		}
		return tok(TokenIdentifier, l.src[start:l.off])
	default:
		l.step()
		return tok(TokenError, fmt.Sprintf("unexpected character %q", ch))
	}
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() Token {
	saved := *l
	t := l.Next()
	*l = saved
	return t
}

func (l *Lexer) step() {
	if l.off >= len(l.src) {
		return
	}
	if l.src[l.off] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.off++
}

func (l *Lexer) skipSpace() {
	for l.off < len(l.src) {
		rest := l.src[l.off:]
		switch {
		case rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\r' || rest[0] == '\n':
			l.step()
		case rest[0] == '#' || strings.HasPrefix(rest, "//"):
			for l.off < len(l.src) && l.src[l.off] != '\n' {
				l.step()
			}
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			n := len(rest)
			if end >= 0 {
				n = end + 4
			}
			for i := 0; i < n; i++ {
				l.step()
			}
		default:
			return
		}
	}
}

func (l *Lexer) quoted() (string, bool) {
	l.step()
	var b strings.Builder
	for l.off < len(l.src) {
		ch := l.src[l.off]
		switch {
		case ch == '"':
			l.step()
			return b.String(), true
		case ch == '\\' && l.off+1 < len(l.src):
			l.step()
			switch esc := l.src[l.off]; esc {
			case 'n':
				b.WriteByte('\n')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
		l.step()
	}
	return "", false
}

// isWordByte reports whether ch may appear in an unquoted word. Words
// cover addresses with ports and prefixes (0.0.0.0:6633, 10.123.0.0/16)
// and interface names (eth0.100).
func isWordByte(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		strings.IndexByte("-_./:*+[]", ch) >= 0
}

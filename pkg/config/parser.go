package config

import (
	"fmt"
	"strings"
)

// ParseError is a syntax error with its position.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Parser builds a ConfigTree from configuration text.
type Parser struct {
	lex  *Lexer
	errs []error
}

// NewParser creates a Parser over input.
func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse parses the whole input. Parsing continues past errors where it
// can, so every reported error is returned.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	tree.Children = p.parseBlock(false)
	return tree, p.errs
}

func (p *Parser) fail(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{
		Line:    tok.Line,
		Column:  tok.Column,
		Message: fmt.Sprintf(format, args...),
	})
}

// parseBlock reads statements until '}' (nested) or EOF (top level).
func (p *Parser) parseBlock(nested bool) []*Node {
	var nodes []*Node
	for {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenEOF:
			if nested {
				p.fail(tok, "missing '}'")
			}
			return nodes
		case TokenRBrace:
			p.lex.Next()
			if !nested {
				p.fail(tok, "unexpected '}'")
				continue
			}
			return nodes
		case TokenError:
			p.lex.Next()
			p.fail(tok, "%s", tok.Value)
			continue
		}
		if n := p.parseStatement(); n != nil {
			nodes = append(nodes, n)
		}
	}
}

// parseStatement reads "word... ;" or "word... { ... }".
func (p *Parser) parseStatement() *Node {
	first := p.lex.Peek()
	n := &Node{Line: first.Line, Column: first.Column}
	for {
		tok := p.lex.Peek()
		if tok.Type == TokenRBrace {
			// Leave the brace for the enclosing block.
			p.fail(tok, "missing ';' after %q", strings.Join(n.Keys, " "))
			return nil
		}
		p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenSemicolon:
			if len(n.Keys) == 0 {
				return nil
			}
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.fail(tok, "block without a name")
			}
			n.Children = p.parseBlock(true)
			return n
		case TokenEOF:
			p.fail(tok, "unexpected EOF after %q", strings.Join(n.Keys, " "))
			return nil
		default:
			p.fail(tok, "%s", tok.Value)
		}
	}
}

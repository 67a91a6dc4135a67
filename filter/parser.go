package filter

import (
	"fmt"
	"strconv"
)

// Parser performs recursive-descent parsing of an RSQL-like expression into
// an AST, per the grammar in §4.1.
type Parser struct {
	lex *lexer
	cur token
}

// NewParser constructs a Parser over raw, enforcing the input length cap.
func NewParser(raw string) (*Parser, error) {
	lex, err := newLexer(raw)
	if err != nil {
		return nil, err
	}
	p := &Parser{lex: lex}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

// Parse parses the full expression, returning its AST. An empty input
// parses to a nil Node, representing the tautology (§8 "Empty filter
// string = tautology").
func (p *Parser) Parse() (Node, error) {
	if p.cur.kind == tokEOF {
		return nil, nil
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("filter: unexpected trailing input at position %d: %q", p.cur.pos, p.cur.text)
	}
	return n, nil
}

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{left}
	// Top-level ',' is the OR separator (§4.1 grammar); parseList consumes
	// every comma inside a tuple/range literal before control returns here,
	// so a tokComma reaching this loop always separates two "and" groups.
	for p.cur.kind == tokOr || p.cur.kind == tokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Conjunction{Kind: KindOr, Children: children}, nil
}

func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []Node{left}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Conjunction{Kind: KindAnd, Children: children}, nil
}

func (p *Parser) parseUnary() (Node, error) {
	if p.cur.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("filter: expected ')' at position %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseAtom()
}

func (p *Parser) parseAtom() (Node, error) {
	if p.cur.kind != tokField {
		return nil, fmt.Errorf("filter: expected field name at position %d, got %q", p.cur.pos, p.cur.text)
	}
	field := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokOp {
		return nil, fmt.Errorf("filter: expected operator at position %d for field %q", p.cur.pos, field)
	}
	op := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	val, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &Leaf{Field: field, Op: op, Value: val}, nil
}

func (p *Parser) parseValue() (value, error) {
	switch p.cur.kind {
	case tokLParen:
		return p.parseList(tokLParen, tokRParen, vTuple)
	case tokLBracket:
		return p.parseList(tokLBracket, tokRBracket, vRange)
	case tokString:
		v := value{kind: vString, str: p.cur.text}
		return v, p.advance()
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return value{}, fmt.Errorf("filter: invalid number %q at position %d", p.cur.text, p.cur.pos)
		}
		v := value{kind: vNumber, num: n, str: p.cur.text}
		return v, p.advance()
	case tokBool:
		v := value{kind: vBool, b: p.cur.text == "true"}
		return v, p.advance()
	default:
		return value{}, fmt.Errorf("filter: expected value at position %d, got %q", p.cur.pos, p.cur.text)
	}
}

func (p *Parser) parseList(open, closeTok tokenKind, kind valueKind) (value, error) {
	if err := p.advance(); err != nil { // consume opener
		return value{}, err
	}
	var items []value
	if p.cur.kind != closeTok {
		for {
			v, err := p.parseScalar()
			if err != nil {
				return value{}, err
			}
			items = append(items, v)
			if p.cur.kind == tokComma {
				if err := p.advance(); err != nil {
					return value{}, err
				}
				continue
			}
			break
		}
	}
	if p.cur.kind != closeTok {
		return value{}, fmt.Errorf("filter: expected closing bracket at position %d", p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return value{}, err
	}
	return value{kind: kind, list: items}, nil
}

func (p *Parser) parseScalar() (value, error) {
	switch p.cur.kind {
	case tokString:
		v := value{kind: vString, str: p.cur.text}
		return v, p.advance()
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return value{}, fmt.Errorf("filter: invalid number %q at position %d", p.cur.text, p.cur.pos)
		}
		v := value{kind: vNumber, num: n, str: p.cur.text}
		return v, p.advance()
	case tokBool:
		v := value{kind: vBool, b: p.cur.text == "true"}
		return v, p.advance()
	default:
		return value{}, fmt.Errorf("filter: expected scalar value at position %d", p.cur.pos)
	}
}

// Parse is a package-level convenience wrapping NewParser+Parse.
func Parse(raw string) (Node, error) {
	p, err := NewParser(raw)
	if err != nil {
		return nil, err
	}
	return p.Parse()
}

package standard

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			i = len(line)
		case c == '\'' || c == '"':
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < len(line) {
				if line[j] == '\\' && j+1 < len(line) {
					switch line[j+1] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(line[j+1])
					}
					j += 2
					continue
				}
				if line[j] == c {
					closed = true
					break
				}
				sb.WriteByte(line[j])
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at column %d", i+1)
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: i})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(line) && line[i+1] >= '0' && line[i+1] <= '9' && startsOperand(toks):
			j := i + 1
			for j < len(line) && line[j] >= '0' && line[j] <= '9' {
				j++
			}
			toks = append(toks, token{kind: tokInt, text: line[i:j], pos: i})
			i = j
		case c == '_' || unicode.IsLetter(rune(c)):
			j := i + 1
			for j < len(line) && (line[j] == '_' || unicode.IsLetter(rune(line[j])) || unicode.IsDigit(rune(line[j]))) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: line[i:j], pos: i})
			i = j
		case strings.HasPrefix(line[i:], "**"):
			toks = append(toks, token{kind: tokPunct, text: "**", pos: i})
			i += 2
		case strings.ContainsRune("(),+=:*", rune(c)):
			toks = append(toks, token{kind: tokPunct, text: string(c), pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at column %d", c, i+1)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(line)}), nil
}

// startsOperand reports whether a '-' at this point begins a negative number rather than following an operand.
func startsOperand(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	return last.kind == tokPunct && last.text != ")"
}

type expr interface{}

type (
	strLit struct{ v string }
	intLit struct{ v int64 }
	ident  struct{ name string }
	call   struct {
		name string
		args []expr
	}
	add struct{ left, right expr }
)

type param struct {
	name       string
	defaultSrc string
	defaultVal expr
}

type funcDef struct {
	name    string
	params  []param
	varArgs string
	varKw   string
	body    expr
	bodySrc string
}

type stmt interface{}

type (
	assignStmt struct {
		name  string
		value expr
	}
	exprStmt struct{ e expr }
	defStmt  struct{ fn *funcDef }
)

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == punct {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if !p.accept(punct) {
		return p.errorf("expected %q", punct)
	}
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", fmt.Errorf("expected a name at column %d", t.pos+1)
	}
	return t.text, nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	t := p.peek()
	if t.kind == tokEOF {
		return fmt.Errorf(format+" at end of line", args...)
	}
	return fmt.Errorf(format+" at column %d", append(args, t.pos+1)...)
}

// parseStatement parses one line. It returns a nil statement for blank and comment-only lines.
func parseStatement(line string) (stmt, error) {
	toks, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	p := &parser{src: line, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, nil
	}

	if t := p.peek(); t.kind == tokIdent && t.text == "def" {
		p.next()
		fn, err := p.parseDef()
		if err != nil {
			return nil, err
		}
		return defStmt{fn: fn}, nil
	}

	if t := p.peek(); t.kind == tokIdent {
		if n := p.toks[p.pos+1]; n.kind == tokPunct && n.text == "=" {
			p.pos += 2
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.end(); err != nil {
				return nil, err
			}
			return assignStmt{name: t.text, value: e}, nil
		}
	}

	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return exprStmt{e: e}, nil
}

// parseExpression parses a standalone expression, as sent by completion queries.
func parseExpression(src string) (expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return e, p.end()
}

func (p *parser) end() error {
	if p.peek().kind != tokEOF {
		return p.errorf("unexpected %q", p.peek().text)
	}
	return nil
}

func (p *parser) parseDef() (*funcDef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fn := &funcDef{name: name}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	for !p.accept(")") {
		if len(fn.params) > 0 || fn.varArgs != "" || fn.varKw != "" {
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		switch {
		case p.accept("**"):
			if fn.varKw, err = p.expectIdent(); err != nil {
				return nil, err
			}
		case p.accept("*"):
			if fn.varArgs, err = p.expectIdent(); err != nil {
				return nil, err
			}
		default:
			if fn.varArgs != "" || fn.varKw != "" {
				return nil, p.errorf("parameter after variadic parameter")
			}
			pname, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			prm := param{name: pname}
			if p.accept("=") {
				start := p.peek().pos
				if prm.defaultVal, err = p.parseExpr(); err != nil {
					return nil, err
				}
				prm.defaultSrc = strings.TrimSpace(p.src[start:p.peek().pos])
			} else if len(fn.params) > 0 && fn.params[len(fn.params)-1].defaultVal != nil {
				return nil, fmt.Errorf("non-default parameter %q follows default parameter", pname)
			}
			fn.params = append(fn.params, prm)
		}
	}
	colon := p.peek()
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	start := colon.pos + 1
	if fn.body, err = p.parseExpr(); err != nil {
		return nil, err
	}
	fn.bodySrc = strings.TrimSpace(p.src[start:])
	return fn, p.end()
}

func (p *parser) parseExpr() (expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.accept("+") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = add{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return strLit{v: t.text}, nil
	case tokInt:
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", t.text, err)
		}
		return intLit{v: v}, nil
	case tokIdent:
		if !p.accept("(") {
			return ident{name: t.text}, nil
		}
		c := call{name: t.text}
		for !p.accept(")") {
			if len(c.args) > 0 {
				if err := p.expect(","); err != nil {
					return nil, err
				}
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			c.args = append(c.args, arg)
		}
		return c, nil
	case tokPunct:
		if t.text == "(" {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return e, p.expect(")")
		}
	}
	if t.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of line")
	}
	return nil, fmt.Errorf("unexpected %q at column %d", t.text, t.pos+1)
}

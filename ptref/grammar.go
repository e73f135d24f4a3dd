package ptref

import (
	"github.com/pkg/errors"

	"tidbyt.dev/gtfs/kind"
)

// Parse turns a PTRef request string, e.g.
//
//	line.uri=line:1 AND line HAVING (stop_point.uri=stop_point:1)
//
// into a Filter tree. It is a small hand-written recursive descent
// parser: spec.md §4.1's grammar is regular enough (one level of
// clause nesting for HAVING/AFTER, flat AND conjunction otherwise)
// that a parser combinator library would add a dependency without
// removing any real complexity (spec.md §9 recommends the same).
//
// On syntactic failure that consumed no input, Parse returns a
// *GlobalParseError. On failure after at least one clause parsed
// successfully, it returns a *PartialParseError carrying the
// unconsumed suffix. An object type that isn't in kind's registry,
// in any clause, is reported as *UnknownObjectError instead.
func Parse(request string) (Filter, error) {
	if request == "" {
		return And{}, nil
	}

	p := &parser{lex: newLexer(request), request: request}
	if err := p.advance(); err != nil {
		return nil, &GlobalParseError{Request: request}
	}

	first, err := p.parseClause()
	var unknown *UnknownObjectError
	if errors.As(err, &unknown) {
		return nil, unknown
	}
	if err != nil {
		return nil, &GlobalParseError{Request: request}
	}

	clauses := []Filter{first}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, partialFrom(p, err)
		}
		next, err := p.parseClause()
		if errors.As(err, &unknown) {
			return nil, unknown
		}
		if err != nil {
			return nil, partialFrom(p, err)
		}
		clauses = append(clauses, next)
	}

	if p.tok.kind != tokEOF {
		return nil, &PartialParseError{Remainder: p.request[p.consumedTo():]}
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return And{Clauses: clauses}, nil
}

func partialFrom(p *parser, cause error) error {
	return &PartialParseError{Remainder: p.request[p.consumedTo():], Reason: cause.Error()}
}

type parser struct {
	lex     *lexer
	tok     token
	request string
}

// consumedTo approximates how much of the request a failing parse had
// already consumed, so the caller can report the unparsed suffix.
func (p *parser) consumedTo() int {
	if p.lex.pos > len(p.request) {
		return len(p.request)
	}
	return p.lex.pos
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.tok.kind != k {
		return token{}, errors.Errorf("expected %s, got %q", what, p.tok.text)
	}
	t := p.tok
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return t, nil
}

// parseClause parses a single AND-separated clause: AFTER(...), or
// "<word> HAVING <bracket-string>", or "<word>.<word><op><value>", or
// "<word>.<word>(<args>)".
func (p *parser) parseClause() (Filter, error) {
	if p.tok.kind == tokWord && p.tok.text == "AFTER" {
		return p.parseAfter()
	}

	kindTok, err := p.expect(tokWord, "object type")
	if err != nil {
		return nil, err
	}
	k, ok := kind.ByName(kindTok.text)
	if !ok {
		return nil, &UnknownObjectError{Object: kindTok.text}
	}

	if p.tok.kind == tokHaving {
		if err := p.advance(); err != nil {
			return nil, err
		}
		body, err := p.expectBracketString()
		if err != nil {
			return nil, err
		}
		sub, err := Parse(body)
		if err != nil {
			return nil, err
		}
		return Having{Kind: k, Sub: sub}, nil
	}

	if _, err := p.expect(tokDot, "'.' or HAVING"); err != nil {
		return nil, err
	}

	nameTok, err := p.expect(tokWord, "attribute or method name")
	if err != nil {
		return nil, err
	}

	switch p.tok.kind {
	case tokOp:
		return p.parseComparison(k, nameTok.text)
	case tokLParen:
		return p.parseCall(k, nameTok.text)
	}

	return nil, errors.Errorf("expected operator or '(' after %s.%s", kindTok.text, nameTok.text)
}

func (p *parser) parseAfter() (Filter, error) {
	if err := p.advance(); err != nil { // consume "AFTER"
		return nil, err
	}
	if _, err := p.expect(tokLParen, "'(' after AFTER"); err != nil {
		return nil, err
	}
	text, err := p.lex.readParenRaw()
	if err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	sub, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return After{Sub: sub}, nil
}

func (p *parser) parseComparison(k kind.Kind, attr string) (Filter, error) {
	op, err := parseOperator(p.tok.text)
	if err != nil {
		return nil, err
	}
	dwithin := p.tok.text == "DWITHIN"
	if err := p.advance(); err != nil {
		return nil, err
	}

	if dwithin {
		if _, err := p.expect(tokLParen, "'(' after DWITHIN"); err != nil {
			return nil, err
		}
		triple, err := p.lex.readParenRaw()
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return Comparison{Kind: k, Attribute: attr, Op: OpDWithin, Value: triple}, nil
	}

	value, err := p.parseValue()
	if err != nil {
		return nil, errors.Wrapf(err, "expected value after %s.%s%s", k, attr, op)
	}
	return Comparison{Kind: k, Attribute: attr, Op: op, Value: value}, nil
}

func (p *parser) parseCall(k kind.Kind, name string) (Filter, error) {
	if err := p.advance(); err != nil { // consume '('
		return nil, err
	}

	var args []string
	for p.tok.kind != tokRParen {
		arg, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return Method{Kind: k, Name: name, Args: args}, nil
}

// parseValue parses a word, an escaped-string, or a bracket-string,
// the three value forms spec.md §4.1 allows for a Binary's value or a
// Method's argument.
func (p *parser) parseValue() (string, error) {
	switch p.tok.kind {
	case tokWord, tokString:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return "", err
		}
		return text, nil
	case tokLParen:
		return p.expectBracketString()
	}
	return "", errors.Errorf("expected identifier, string or bracket-string, got %q", p.tok.text)
}

func (p *parser) expectBracketString() (string, error) {
	if p.tok.kind != tokLParen {
		return "", errors.Errorf("expected '(', got %q", p.tok.text)
	}
	body, err := p.lex.readBracketBody()
	if err != nil {
		return "", err
	}
	if err := p.advance(); err != nil {
		return "", err
	}
	return body, nil
}

func parseOperator(text string) (Operator, error) {
	switch text {
	case "=":
		return OpEq, nil
	case "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	case "DWITHIN":
		return OpDWithin, nil
	}
	return 0, errors.Errorf("unknown operator %q", text)
}

// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expr implements the sandboxed expression language used by
// enforcement rules and scenario transition conditions.
//
// The language is deliberately small: boolean logic (and/or/not),
// comparisons, membership (in), arithmetic, string and number literals,
// tuple literals for membership tests, and a fixed function allow-list
// (len, abs, min, max, lower). There is no attribute access, no indexing,
// no lambdas and no way to reach the host language. Evaluation is
// side-effect-free and deterministic for a given environment.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Expr is a parsed expression ready for repeated evaluation.
type Expr struct {
	src  string
	root node
}

// Parse compiles the expression source.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("parse %q: unexpected token %q", src, p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the original source.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against the environment.
func (e *Expr) Eval(env map[string]model.Value) (model.Value, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return model.Value{}, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return toValue(v), nil
}

// EvalBool evaluates the expression and coerces the result to a boolean.
func (e *Expr) EvalBool(env map[string]model.Value) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return truthy(v), nil
}

// EvalBool is the one-shot convenience: parse then evaluate.
func EvalBool(src string, env map[string]model.Value) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.EvalBool(env)
}

// ---------------------------------------------------------------------------
// Lexer

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp    // == != <= >= < > + - * / % ( ) ,
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true,
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if keywords[strings.ToLower(word)] {
				toks = append(toks, token{tokKeyword, strings.ToLower(word)})
			} else {
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		case strings.ContainsRune("=!<>", rune(c)):
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2]})
				i += 2
			} else if c == '<' || c == '>' {
				toks = append(toks, token{tokOp, string(c)})
				i++
			} else {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
		case strings.ContainsRune("+-*/%(),", rune(c)):
			toks = append(toks, token{tokOp, string(c)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// ---------------------------------------------------------------------------
// Parser

type parser struct {
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

func (p *parser) eof() bool { return p.peek().kind == tokEOF }

func (p *parser) accept(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && t.text == text {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	if !p.accept(kind, text) {
		return fmt.Errorf("expected %q, got %q", text, p.peek().text)
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept(tokKeyword, "not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	switch {
	case t.kind == tokOp && (t.text == "==" || t.text == "!=" || t.text == "<" || t.text == "<=" || t.text == ">" || t.text == ">="):
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.text, left: left, right: right}, nil
	case t.kind == tokKeyword && t.text == "in":
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &inNode{left: left, right: right}, nil
	case t.kind == tokKeyword && t.text == "not":
		// "x not in y"
		if p.toks[p.pos+1].kind == tokKeyword && p.toks[p.pos+1].text == "in" {
			p.next()
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &notNode{inner: &inNode{left: left, right: right}}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept(tokOp, "-") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

// allowedFuncs is the complete function allow-list.
var allowedFuncs = map[string]bool{
	"len": true, "abs": true, "min": true, "max": true, "lower": true,
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &litNode{val: n}, nil
	case tokString:
		return &litNode{val: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		}
		return nil, fmt.Errorf("unexpected keyword %q", t.text)
	case tokIdent:
		if p.peek().kind == tokOp && p.peek().text == "(" {
			if !allowedFuncs[strings.ToLower(t.text)] {
				return nil, fmt.Errorf("function %q is not allowed", t.text)
			}
			p.next()
			var args []node
			if !(p.peek().kind == tokOp && p.peek().text == ")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if !p.accept(tokOp, ",") {
						break
					}
				}
			}
			if err := p.expect(tokOp, ")"); err != nil {
				return nil, err
			}
			return &callNode{fn: strings.ToLower(t.text), args: args}, nil
		}
		return &varNode{name: t.text}, nil
	case tokOp:
		if t.text == "(" {
			first, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			// tuple literal: (a, b, c)
			if p.peek().kind == tokOp && p.peek().text == "," {
				items := []node{first}
				for p.accept(tokOp, ",") {
					item, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					items = append(items, item)
				}
				if err := p.expect(tokOp, ")"); err != nil {
					return nil, err
				}
				return &tupleNode{items: items}, nil
			}
			if err := p.expect(tokOp, ")"); err != nil {
				return nil, err
			}
			return first, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

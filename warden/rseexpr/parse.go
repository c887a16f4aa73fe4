// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package rseexpr parses and evaluates set expressions over storage element
// attributes.
//
// Atoms are `attr` (existence), `attr=value`, `attr<value` and `attr>value`;
// composition is `&` (intersection), `|` (union) and `\` (difference), left
// associative, with parentheses.
package rseexpr

import (
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("rseexpr")

	// ErrInvalidRSEExpression is returned for syntactically invalid
	// expressions.
	ErrInvalidRSEExpression = errs.Class("invalid rse expression")
)

type comparison byte

const (
	compareExists  = comparison(0)
	compareEqual   = comparison('=')
	compareLess    = comparison('<')
	compareGreater = comparison('>')
)

// node is a parsed expression tree.
type node interface{}

type atom struct {
	key     string
	compare comparison
	value   string
}

type operation struct {
	op          byte // '&', '|' or '\'
	left, right node
}

type parser struct {
	input string
	pos   int
}

// Parse turns an expression string into its tree.
func Parse(input string) (node, error) {
	p := &parser{input: input}
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, ErrInvalidRSEExpression.New("empty expression")
	}
	tree, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, ErrInvalidRSEExpression.New("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	return tree, nil
}

// parseExpression parses operand (op operand)* left associatively; the three
// operators share one precedence level.
func (p *parser) parseExpression() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '&' && op != '|' && op != '\\' {
			return left, nil
		}
		p.pos++

		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		left = operation{op: op, left: left, right: right}
	}
}

func (p *parser) parseOperand() (node, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, ErrInvalidRSEExpression.New("operand missing at offset %d", p.pos)
	}

	if p.input[p.pos] == '(' {
		p.pos++
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, ErrInvalidRSEExpression.New("unbalanced parenthesis at offset %d", p.pos)
		}
		p.pos++
		return inner, nil
	}

	key := p.scanWord()
	if key == "" {
		return nil, ErrInvalidRSEExpression.New("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}

	p.skipSpace()
	if p.pos < len(p.input) {
		switch p.input[p.pos] {
		case '=', '<', '>':
			compare := comparison(p.input[p.pos])
			p.pos++
			p.skipSpace()
			value := p.scanWord()
			if value == "" {
				return nil, ErrInvalidRSEExpression.New("value missing for %q at offset %d", key, p.pos)
			}
			return atom{key: key, compare: compare, value: value}, nil
		}
	}
	return atom{key: key, compare: compareExists}, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) scanWord() string {
	start := p.pos
	for p.pos < len(p.input) && isWordByte(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func isWordByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '.', c == '*':
		return true
	}
	return false
}

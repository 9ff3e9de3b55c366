// Copyright 2024-2026 The GrepWise Authors
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

package spl

import (
	"strconv"
	"strings"
	"unicode"
)

var aggregations = map[string]bool{
	"count":          true,
	"sum":            true,
	"avg":            true,
	"min":            true,
	"max":            true,
	"distinct_count": true,
}

// Parse turns query text into an executable pipeline. A query with no
// leading stage keyword is an implicit search stage.
func Parse(query string) (*Pipeline, error) {
	raws := splitStages(query)
	if len(raws) == 0 {
		return nil, parseErrorf(0, "empty query")
	}

	p := &Pipeline{}
	for _, raw := range raws {
		st, err := parseStage(raw)
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, st)
	}
	return p, nil
}

type rawStage struct {
	text   string
	offset int
}

// splitStages cuts the query on '|' outside double quotes, keeping each
// stage's byte offset into the original text.
func splitStages(query string) []rawStage {
	var out []rawStage
	start := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		switch query[i] {
		case '"':
			inQuote = !inQuote
		case '|':
			if !inQuote {
				out = append(out, rawStage{text: query[start:i], offset: start})
				start = i + 1
			}
		}
	}
	out = append(out, rawStage{text: query[start:], offset: start})
	return out
}

func parseStage(raw rawStage) (stage, error) {
	trimmed := strings.TrimLeft(raw.text, " \t\r\n")
	offset := raw.offset + len(raw.text) - len(trimmed)
	trimmed = strings.TrimRight(trimmed, " \t\r\n")

	if trimmed == "" {
		return stage{}, parseErrorf(offset, "empty stage")
	}

	keyword := trimmed
	rest := ""
	restOffset := offset
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		keyword = trimmed[:i]
		rest = strings.TrimLeft(trimmed[i:], " \t")
		restOffset = offset + len(trimmed) - len(rest)
	}

	switch strings.ToLower(keyword) {
	case "search":
		return stage{kind: stageSearch, offset: offset, searchExpr: rest}, nil
	case "where":
		return parseWhere(rest, restOffset)
	case "eval":
		return parseEval(rest, restOffset)
	case "stats":
		return parseStats(rest, restOffset)
	case "sort":
		return parseSort(rest, restOffset)
	case "head", "tail":
		return parseHeadTail(strings.ToLower(keyword), rest, restOffset)
	default:
		// bare expression: implicit search
		return stage{kind: stageSearch, offset: offset, searchExpr: trimmed}, nil
	}
}

func parseWhere(text string, offset int) (stage, error) {
	lx, err := lex(text, offset)
	if err != nil {
		return stage{}, err
	}
	cond, err := lx.parseBoolExpr()
	if err != nil {
		return stage{}, err
	}
	if err := lx.expectEOF(); err != nil {
		return stage{}, err
	}
	return stage{kind: stageWhere, offset: offset, cond: cond}, nil
}

func parseEval(text string, offset int) (stage, error) {
	lx, err := lex(text, offset)
	if err != nil {
		return stage{}, err
	}

	name := lx.next()
	if name.kind != tokIdent {
		return stage{}, parseErrorf(name.offset, "eval needs a field name")
	}
	if eq := lx.next(); eq.kind != tokOp || eq.text != "=" {
		return stage{}, parseErrorf(eq.offset, "eval needs '=' after the field name")
	}

	ex, err := lx.parseExpr()
	if err != nil {
		return stage{}, err
	}
	if err := lx.expectEOF(); err != nil {
		return stage{}, err
	}
	return stage{kind: stageEval, offset: offset, evalName: name.text, evalExpr: ex}, nil
}

func parseStats(text string, offset int) (stage, error) {
	lx, err := lex(text, offset)
	if err != nil {
		return stage{}, err
	}

	agg := lx.next()
	if agg.kind != tokIdent || !aggregations[strings.ToLower(agg.text)] {
		return stage{}, parseErrorf(agg.offset, "unknown aggregation %q", agg.text)
	}
	st := stage{kind: stageStats, offset: offset, agg: strings.ToLower(agg.text)}

	// optional (field)
	if lx.peek().kind == tokLParen {
		lx.next()
		if lx.peek().kind == tokIdent {
			st.aggField = lx.next().text
		}
		if rp := lx.next(); rp.kind != tokRParen {
			return stage{}, parseErrorf(rp.offset, "expected ')'")
		}
	}
	if st.agg != "count" && st.aggField == "" {
		return stage{}, parseErrorf(agg.offset, "%s needs a field argument", st.agg)
	}

	st.aggColumn = st.agg
	if st.aggField != "" {
		st.aggColumn = st.agg + "(" + st.aggField + ")"
	}

	// optional: by f(, f)*
	if by := lx.peek(); by.kind == tokIdent && strings.EqualFold(by.text, "by") {
		lx.next()
		for {
			f := lx.next()
			if f.kind != tokIdent {
				return stage{}, parseErrorf(f.offset, "expected a field name after 'by'")
			}
			st.byFields = append(st.byFields, f.text)
			if lx.peek().kind != tokComma {
				break
			}
			lx.next()
		}
	}
	if err := lx.expectEOF(); err != nil {
		return stage{}, err
	}
	return st, nil
}

func parseSort(text string, offset int) (stage, error) {
	lx, err := lex(text, offset)
	if err != nil {
		return stage{}, err
	}

	f := lx.next()
	if f.kind != tokIdent {
		return stage{}, parseErrorf(f.offset, "sort needs a field name")
	}
	st := stage{kind: stageSort, offset: offset, sortField: f.text}

	if dir := lx.peek(); dir.kind == tokIdent {
		switch strings.ToLower(dir.text) {
		case "asc":
			lx.next()
		case "desc":
			lx.next()
			st.sortDesc = true
		default:
			return stage{}, parseErrorf(dir.offset, "expected 'asc' or 'desc', got %q", dir.text)
		}
	}
	if err := lx.expectEOF(); err != nil {
		return stage{}, err
	}
	return st, nil
}

func parseHeadTail(keyword, text string, offset int) (stage, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 0 {
		return stage{}, parseErrorf(offset, "%s needs a non-negative integer", keyword)
	}
	kind := stageHead
	if keyword == "tail" {
		kind = stageTail
	}
	return stage{kind: kind, offset: offset, n: n}, nil
}

// ---- tokenizer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind   tokKind
	text   string
	offset int
}

type lexer struct {
	toks []token
	pos  int
	end  int // offset just past the stage text
}

// lex tokenizes one stage body. Offsets are into the full query text.
func lex(text string, base int) (*lexer, error) {
	var toks []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", base + i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", base + i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", base + i})
			i++
		case c == '"':
			j := i + 1
			for j < len(text) && text[j] != '"' {
				j++
			}
			if j == len(text) {
				return nil, parseErrorf(base+i, "unterminated string")
			}
			toks = append(toks, token{tokString, text[i+1 : j], base + i})
			i = j + 1
		case c == '>' || c == '<' || c == '!' || c == '=':
			start := i
			i++
			if i < len(text) && text[i] == '=' {
				i++
			}
			op := text[start:i]
			if op == "!" {
				return nil, parseErrorf(base+start, "unexpected '!'")
			}
			if op == "==" {
				op = "=" // '==' is an accepted spelling of '='
			}
			toks = append(toks, token{tokOp, op, base + start})
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{tokOp, string(c), base + i})
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(text) && (text[j] >= '0' && text[j] <= '9' || text[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, text[i:j], base + i})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(text) && isIdentPart(rune(text[j])) {
				j++
			}
			toks = append(toks, token{tokIdent, text[i:j], base + i})
			i = j
		default:
			return nil, parseErrorf(base+i, "unexpected character %q", string(c))
		}
	}
	return &lexer{toks: toks, end: base + len(text)}, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

func (lx *lexer) peek() token {
	if lx.pos >= len(lx.toks) {
		return token{kind: tokEOF, offset: lx.end}
	}
	return lx.toks[lx.pos]
}

func (lx *lexer) next() token {
	t := lx.peek()
	if t.kind != tokEOF {
		lx.pos++
	}
	return t
}

func (lx *lexer) expectEOF() error {
	if t := lx.peek(); t.kind != tokEOF {
		return parseErrorf(t.offset, "unexpected %q", t.text)
	}
	return nil
}

// ---- expression grammar ----

// parseBoolExpr := comparison ((AND|OR) comparison)*
func (lx *lexer) parseBoolExpr() (*boolExpr, error) {
	first, err := lx.parseComparison()
	if err != nil {
		return nil, err
	}
	be := &boolExpr{first: first}
	for {
		t := lx.peek()
		if t.kind != tokIdent {
			return be, nil
		}
		var or bool
		switch strings.ToLower(t.text) {
		case "and":
			or = false
		case "or":
			or = true
		default:
			return be, nil
		}
		lx.next()
		comp, err := lx.parseComparison()
		if err != nil {
			return nil, err
		}
		be.rest = append(be.rest, boolTerm{or: or, comp: comp})
	}
}

// parseComparison := field OP value
func (lx *lexer) parseComparison() (*comparison, error) {
	f := lx.next()
	if f.kind != tokIdent {
		return nil, parseErrorf(f.offset, "expected a field name")
	}

	opTok := lx.next()
	var op string
	switch {
	case opTok.kind == tokOp:
		op = opTok.text
	case opTok.kind == tokIdent && strings.EqualFold(opTok.text, "contains"):
		op = "contains"
	case opTok.kind == tokIdent && strings.EqualFold(opTok.text, "matches"):
		op = "matches"
	default:
		return nil, parseErrorf(opTok.offset, "expected a comparison operator")
	}

	val, err := lx.parseExpr()
	if err != nil {
		return nil, err
	}
	return &comparison{field: f.text, op: op, value: val, offset: f.offset}, nil
}

// parseExpr := term (('+'|'-') term)*
func (lx *lexer) parseExpr() (*expr, error) {
	left, err := lx.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := lx.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		lx.next()
		right, err := lx.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &expr{kind: exprBinary, offset: t.offset, op: t.text, left: left, right: right}
	}
}

// parseTerm := primary (('*'|'/') primary)*
func (lx *lexer) parseTerm() (*expr, error) {
	left, err := lx.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := lx.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		lx.next()
		right, err := lx.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &expr{kind: exprBinary, offset: t.offset, op: t.text, left: left, right: right}
	}
}

// parsePrimary := number | string | '(' expr ')' | fn '(' expr ')' | field
func (lx *lexer) parsePrimary() (*expr, error) {
	t := lx.next()
	switch t.kind {
	case tokNumber, tokString:
		return &expr{kind: exprLiteral, offset: t.offset, literal: t.text}, nil
	case tokLParen:
		inner, err := lx.parseExpr()
		if err != nil {
			return nil, err
		}
		if rp := lx.next(); rp.kind != tokRParen {
			return nil, parseErrorf(rp.offset, "expected ')'")
		}
		return inner, nil
	case tokIdent:
		fn := strings.ToLower(t.text)
		if (fn == "len" || fn == "lower" || fn == "upper") && lx.peek().kind == tokLParen {
			lx.next()
			arg, err := lx.parseExpr()
			if err != nil {
				return nil, err
			}
			if rp := lx.next(); rp.kind != tokRParen {
				return nil, parseErrorf(rp.offset, "expected ')'")
			}
			return &expr{kind: exprCall, offset: t.offset, fn: fn, arg: arg}, nil
		}
		return &expr{kind: exprField, offset: t.offset, field: t.text}, nil
	default:
		return nil, parseErrorf(t.offset, "expected a value")
	}
}

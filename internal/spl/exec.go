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
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grepwise/grepwise/internal/record"
)

var errRowEval = errors.New("row evaluation failed")

// ExecOptions carries the time window and optional instrumentation.
type ExecOptions struct {
	Start, End *int64

	// RowErrors, when set, is incremented for every row skipped because an
	// expression failed on it.
	RowErrors prometheus.Counter
}

// Execute runs the pipeline against the searcher. A pipeline that does not
// begin with a search stage starts from a match-all search over the window.
func (p *Pipeline) Execute(s Searcher, opts ExecOptions) (*Result, error) {
	st := &execState{reCache: map[string]*regexp.Regexp{}}

	stages := p.stages
	if len(stages) == 0 || stages[0].kind != stageSearch {
		recs, err := s.Search("*", false, opts.Start, opts.End)
		if err != nil {
			return nil, err
		}
		st.setRecords(recs)
	}

	for i, sg := range stages {
		var err error
		switch sg.kind {
		case stageSearch:
			if i == 0 {
				var recs []*record.Record
				recs, err = s.Search(sg.searchExpr, false, opts.Start, opts.End)
				if err == nil {
					st.setRecords(recs)
				}
			} else {
				st.filterByTokens(sg.searchExpr)
			}
		case stageWhere:
			err = st.applyWhere(sg)
		case stageEval:
			err = st.applyEval(sg)
		case stageStats:
			err = st.applyStats(sg)
		case stageSort:
			err = st.applySort(sg)
		case stageHead:
			st.applyHead(sg.n)
		case stageTail:
			st.applyTail(sg.n)
		}
		if err != nil {
			return nil, err
		}
	}

	if opts.RowErrors != nil && st.rowErrors > 0 {
		opts.RowErrors.Add(float64(st.rowErrors))
	}
	return st.result(), nil
}

// execState is the running record set or statistics table between stages.
type execState struct {
	statsMode bool

	records []*record.Record
	derived []map[string]string // parallel to records; eval outputs

	columns []string
	rows    [][]string

	rowErrors int
	reCache   map[string]*regexp.Regexp
}

func (st *execState) setRecords(recs []*record.Record) {
	st.records = recs
	st.derived = make([]map[string]string, len(recs))
}

func (st *execState) result() *Result {
	if st.statsMode {
		return &Result{Type: ResultStatistics, Columns: st.columns, Rows: st.rows, RowErrors: st.rowErrors}
	}
	return &Result{Type: ResultLogEntries, Records: st.records, RowErrors: st.rowErrors}
}

// fieldValue resolves a field name for one record, checking derived fields,
// built-ins, then metadata (case-insensitive).
func (st *execState) fieldValue(i int, name string) string {
	if d := st.derived[i]; d != nil {
		if v, ok := d[name]; ok {
			return v
		}
	}
	rec := st.records[i]
	switch strings.ToLower(name) {
	case "id":
		return rec.ID
	case "level":
		return rec.Level
	case "message":
		return rec.Message
	case "source":
		return rec.Source
	case "rawcontent", "raw":
		return rec.Raw
	case "ingesttime":
		return strconv.FormatInt(rec.IngestTime, 10)
	case "recordtime":
		if rec.RecordTime == nil {
			return ""
		}
		return strconv.FormatInt(*rec.RecordTime, 10)
	}
	for k, v := range rec.Metadata {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// filterByTokens keeps records containing every token of expr in message or
// raw content; used for search stages downstream of the first.
func (st *execState) filterByTokens(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return
	}
	tokens := strings.Fields(strings.ToLower(strings.ReplaceAll(expr, `"`, "")))

	var recs []*record.Record
	var derived []map[string]string
	for i, rec := range st.records {
		text := strings.ToLower(rec.Message + " " + rec.Raw)
		ok := true
		for _, tok := range tokens {
			if !strings.Contains(text, tok) {
				ok = false
				break
			}
		}
		if ok {
			recs = append(recs, rec)
			derived = append(derived, st.derived[i])
		}
	}
	st.records = recs
	st.derived = derived
}

func (st *execState) applyWhere(sg stage) error {
	if st.statsMode {
		var rows [][]string
		for _, row := range st.rows {
			keep, err := st.evalBoolRow(sg.cond, row)
			if err != nil {
				st.rowErrors++
				continue
			}
			if keep {
				rows = append(rows, row)
			}
		}
		st.rows = rows
		return nil
	}

	var recs []*record.Record
	var derived []map[string]string
	for i := range st.records {
		keep, err := st.evalBool(sg.cond, i)
		if err != nil {
			st.rowErrors++
			continue
		}
		if keep {
			recs = append(recs, st.records[i])
			derived = append(derived, st.derived[i])
		}
	}
	st.records = recs
	st.derived = derived
	return nil
}

func (st *execState) applyEval(sg stage) error {
	if st.statsMode {
		st.columns = append(st.columns, sg.evalName)
		for i, row := range st.rows {
			v, err := st.evalExprRow(sg.evalExpr, row)
			if err != nil {
				st.rowErrors++
				v = ""
			}
			st.rows[i] = append(row, v)
		}
		return nil
	}

	for i := range st.records {
		v, err := st.evalExpr(sg.evalExpr, i)
		if err != nil {
			st.rowErrors++
			continue
		}
		if st.derived[i] == nil {
			st.derived[i] = map[string]string{}
		}
		st.derived[i][sg.evalName] = v
	}
	return nil
}

func (st *execState) applyStats(sg stage) error {
	if st.statsMode {
		return parseErrorf(sg.offset, "stats cannot follow stats")
	}

	type group struct {
		key    []string
		count  int
		sum    float64
		numOK  bool
		min    float64
		max    float64
		values mapset.Set[string]
	}

	groups := map[string]*group{}
	var order []string

	for i := range st.records {
		key := make([]string, len(sg.byFields))
		for j, f := range sg.byFields {
			key[j] = st.fieldValue(i, f)
		}
		gk := strings.Join(key, "\x00")

		g, ok := groups[gk]
		if !ok {
			g = &group{key: key, values: mapset.NewThreadUnsafeSet[string]()}
			groups[gk] = g
			order = append(order, gk)
		}

		if sg.aggField == "" {
			g.count++
			continue
		}

		v := st.fieldValue(i, sg.aggField)
		g.values.Add(v)
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			if !g.numOK || n < g.min {
				g.min = n
			}
			if !g.numOK || n > g.max {
				g.max = n
			}
			g.sum += n
			g.count++
			g.numOK = true
		} else if sg.agg == "count" || sg.agg == "distinct_count" {
			g.count++
		} else {
			st.rowErrors++
		}
	}

	sort.Strings(order)

	st.statsMode = true
	st.columns = append(append([]string{}, sg.byFields...), sg.aggColumn)
	st.rows = nil
	st.records = nil
	st.derived = nil

	for _, gk := range order {
		g := groups[gk]
		var out string
		switch sg.agg {
		case "count":
			out = strconv.Itoa(g.count)
		case "distinct_count":
			out = strconv.Itoa(g.values.Cardinality())
		case "sum":
			out = formatNumber(g.sum)
		case "avg":
			if g.count == 0 {
				out = ""
			} else {
				out = formatNumber(g.sum / float64(g.count))
			}
		case "min":
			out = formatNumber(g.min)
		case "max":
			out = formatNumber(g.max)
		}
		st.rows = append(st.rows, append(append([]string{}, g.key...), out))
	}
	return nil
}

func (st *execState) applySort(sg stage) error {
	if st.statsMode {
		col := -1
		for i, c := range st.columns {
			if strings.EqualFold(c, sg.sortField) {
				col = i
				break
			}
		}
		if col < 0 {
			return parseErrorf(sg.offset, "unknown column %q", sg.sortField)
		}
		sort.SliceStable(st.rows, func(i, j int) bool {
			less := compareValues(st.rows[i][col], st.rows[j][col]) < 0
			if sg.sortDesc {
				return !less && compareValues(st.rows[i][col], st.rows[j][col]) != 0
			}
			return less
		})
		return nil
	}

	type keyed struct {
		rec *record.Record
		drv map[string]string
		val string
	}
	items := make([]keyed, len(st.records))
	for i := range st.records {
		items[i] = keyed{st.records[i], st.derived[i], st.fieldValue(i, sg.sortField)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		cmp := compareValues(items[i].val, items[j].val)
		if sg.sortDesc {
			return cmp > 0
		}
		return cmp < 0
	})
	for i, it := range items {
		st.records[i] = it.rec
		st.derived[i] = it.drv
	}
	return nil
}

func (st *execState) applyHead(n int) {
	if st.statsMode {
		if n < len(st.rows) {
			st.rows = st.rows[:n]
		}
		return
	}
	if n < len(st.records) {
		st.records = st.records[:n]
		st.derived = st.derived[:n]
	}
}

func (st *execState) applyTail(n int) {
	if st.statsMode {
		if n < len(st.rows) {
			st.rows = st.rows[len(st.rows)-n:]
		}
		return
	}
	if n < len(st.records) {
		st.records = st.records[len(st.records)-n:]
		st.derived = st.derived[len(st.derived)-n:]
	}
}

// ---- expression evaluation ----

func (st *execState) evalBool(be *boolExpr, i int) (bool, error) {
	lookup := func(name string) string { return st.fieldValue(i, name) }
	return st.evalBoolWith(be, lookup)
}

func (st *execState) evalBoolRow(be *boolExpr, row []string) (bool, error) {
	return st.evalBoolWith(be, st.rowLookup(row))
}

func (st *execState) rowLookup(row []string) func(string) string {
	return func(name string) string {
		for i, c := range st.columns {
			if strings.EqualFold(c, name) && i < len(row) {
				return row[i]
			}
		}
		return ""
	}
}

func (st *execState) evalBoolWith(be *boolExpr, lookup func(string) string) (bool, error) {
	acc, err := st.evalComparison(be.first, lookup)
	if err != nil {
		return false, err
	}
	for _, term := range be.rest {
		v, err := st.evalComparison(term.comp, lookup)
		if err != nil {
			return false, err
		}
		if term.or {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc, nil
}

func (st *execState) evalComparison(c *comparison, lookup func(string) string) (bool, error) {
	left := lookup(c.field)
	right, err := st.evalExprWith(c.value, lookup)
	if err != nil {
		return false, err
	}

	switch c.op {
	case "contains":
		return strings.Contains(strings.ToLower(left), strings.ToLower(right)), nil
	case "matches":
		re, ok := st.reCache[right]
		if !ok {
			re, err = regexp.Compile(right)
			if err != nil {
				return false, fmt.Errorf("%w: %v", errRowEval, err)
			}
			st.reCache[right] = re
		}
		return re.MatchString(left), nil
	}

	cmp := compareValues(left, right)
	switch c.op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("%w: unsupported operator %q", errRowEval, c.op)
}

func (st *execState) evalExpr(ex *expr, i int) (string, error) {
	return st.evalExprWith(ex, func(name string) string { return st.fieldValue(i, name) })
}

func (st *execState) evalExprRow(ex *expr, row []string) (string, error) {
	return st.evalExprWith(ex, st.rowLookup(row))
}

func (st *execState) evalExprWith(ex *expr, lookup func(string) string) (string, error) {
	switch ex.kind {
	case exprLiteral:
		return ex.literal, nil
	case exprField:
		return lookup(ex.field), nil
	case exprCall:
		arg, err := st.evalExprWith(ex.arg, lookup)
		if err != nil {
			return "", err
		}
		switch ex.fn {
		case "len":
			return strconv.Itoa(len(arg)), nil
		case "lower":
			return strings.ToLower(arg), nil
		case "upper":
			return strings.ToUpper(arg), nil
		}
		return "", fmt.Errorf("%w: unknown function %q", errRowEval, ex.fn)
	case exprBinary:
		left, err := st.evalExprWith(ex.left, lookup)
		if err != nil {
			return "", err
		}
		right, err := st.evalExprWith(ex.right, lookup)
		if err != nil {
			return "", err
		}

		ln, lerr := strconv.ParseFloat(left, 64)
		rn, rerr := strconv.ParseFloat(right, 64)
		numeric := lerr == nil && rerr == nil

		switch ex.op {
		case "+":
			if numeric {
				return formatNumber(ln + rn), nil
			}
			return left + right, nil
		case "-", "*", "/":
			if !numeric {
				return "", fmt.Errorf("%w: %q needs numeric operands", errRowEval, ex.op)
			}
			switch ex.op {
			case "-":
				return formatNumber(ln - rn), nil
			case "*":
				return formatNumber(ln * rn), nil
			default:
				if rn == 0 {
					return "", fmt.Errorf("%w: division by zero", errRowEval)
				}
				return formatNumber(ln / rn), nil
			}
		}
	}
	return "", fmt.Errorf("%w: malformed expression", errRowEval)
}

// compareValues compares numerically when both sides parse as floats,
// otherwise lexicographically.
func compareValues(a, b string) int {
	an, aerr := strconv.ParseFloat(a, 64)
	bn, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// formatNumber renders integral values without a decimal part.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

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

// Package spl implements the pipelined query language: stages separated by
// '|', starting from a search and optionally transforming the record set
// with where/eval/stats/sort/head/tail.
package spl

import (
	"fmt"

	"github.com/grepwise/grepwise/internal/record"
)

// ResultType tags what a pipeline produced.
type ResultType string

const (
	ResultLogEntries ResultType = "LOG_ENTRIES"
	ResultStatistics ResultType = "STATISTICS"
)

// Result is the tagged output of a pipeline. Records is set for
// LOG_ENTRIES; Columns and Rows for STATISTICS.
type Result struct {
	Type    ResultType       `json:"type"`
	Records []*record.Record `json:"records,omitempty"`
	Columns []string         `json:"columns,omitempty"`
	Rows    [][]string       `json:"rows,omitempty"`

	// RowErrors counts rows skipped because an expression failed on them.
	RowErrors int `json:"-"`
}

// ParseError reports where in the query text parsing failed.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid query at offset %d: %s", e.Offset, e.Msg)
}

func parseErrorf(offset int, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Searcher is the slice of the index engine a pipeline needs.
type Searcher interface {
	Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error)
}

type stageKind int

const (
	stageSearch stageKind = iota
	stageWhere
	stageEval
	stageStats
	stageSort
	stageHead
	stageTail
)

// stage is one parsed pipeline stage.
type stage struct {
	kind   stageKind
	offset int

	// search
	searchExpr string

	// where
	cond *boolExpr

	// eval
	evalName string
	evalExpr *expr

	// stats
	agg       string
	aggField  string
	byFields  []string
	aggColumn string

	// sort
	sortField string
	sortDesc  bool

	// head / tail
	n int
}

// Pipeline is a parsed, executable query.
type Pipeline struct {
	stages []stage
}

// boolExpr is a chain of comparisons joined left-to-right by AND/OR.
type boolExpr struct {
	first *comparison
	rest  []boolTerm
}

type boolTerm struct {
	or   bool // true = OR, false = AND
	comp *comparison
}

type comparison struct {
	field  string
	op     string
	value  *expr
	offset int
}

// expr is a small arithmetic/string expression tree.
type exprKind int

const (
	exprLiteral exprKind = iota
	exprField
	exprBinary
	exprCall
)

type expr struct {
	kind   exprKind
	offset int

	literal string // exprLiteral
	field   string // exprField

	op          string // exprBinary: + - * /
	left, right *expr

	fn  string // exprCall: len lower upper
	arg *expr
}

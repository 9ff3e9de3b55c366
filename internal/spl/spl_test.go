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
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/record"
)

// memSearcher is a Searcher over a fixed record set with token-AND
// semantics, mirroring the index engine's literal path.
type memSearcher struct {
	recs []*record.Record
}

func (m *memSearcher) Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error) {
	var out []*record.Record
	query = strings.TrimSpace(query)
	tokens := strings.Fields(strings.ToLower(query))
	for _, rec := range m.recs {
		ts := rec.EffectiveTime()
		if start != nil && ts < *start {
			continue
		}
		if end != nil && ts >= *end {
			continue
		}
		if query == "" || query == "*" {
			out = append(out, rec)
			continue
		}
		text := strings.ToLower(rec.Message + " " + rec.Raw)
		ok := true
		for _, tok := range tokens {
			if !strings.Contains(text, tok) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveTime(), out[j].EffectiveTime()
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func testSearcher() *memSearcher {
	mk := func(id string, ts int64, level, msg, host, bytes string) *record.Record {
		return &record.Record{
			ID: id, IngestTime: ts, RecordTime: record.TimeMillis(ts),
			Level: level, Message: msg, Source: "test", Raw: msg,
			Metadata: map[string]string{"host": host, "bytes": bytes},
		}
	}
	return &memSearcher{recs: []*record.Record{
		mk("a", 100, "ERROR", "payment failed", "h1", "10"),
		mk("b", 200, "INFO", "payment ok", "h1", "20"),
		mk("c", 300, "ERROR", "payment failed again", "h2", "30"),
		mk("d", 400, "WARN", "disk low", "h2", "40"),
	}}
}

func exec(t *testing.T, query string) *Result {
	t.Helper()
	p, err := Parse(query)
	require.NoError(t, err)
	res, err := p.Execute(testSearcher(), ExecOptions{})
	require.NoError(t, err)
	return res
}

func ids(res *Result) []string {
	out := make([]string, len(res.Records))
	for i, r := range res.Records {
		out[i] = r.ID
	}
	return out
}

func TestImplicitSearchStage(t *testing.T) {
	res := exec(t, "payment failed")
	require.Equal(t, ResultLogEntries, res.Type)
	assert.Equal(t, []string{"c", "a"}, ids(res))
}

func TestSearchThenWhere(t *testing.T) {
	tests := []struct {
		name     string
		setQuery string
		wantIDs  []string
	}{
		{"equality", `search payment | where level = "ERROR"`, []string{"c", "a"}},
		{"inequality", `search payment | where level != "ERROR"`, []string{"b"}},
		{"numeric compare on metadata", `search * | where bytes >= 30`, []string{"d", "c"}},
		{"contains", `search * | where message contains "DISK"`, []string{"d"}},
		{"matches", `search * | where message matches "fail(ed|ing)"`, []string{"c", "a"}},
		{"and chain", `search * | where level = "ERROR" and bytes > 10`, []string{"c"}},
		{"or chain", `search * | where level = "WARN" or level = "INFO"`, []string{"d", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantIDs, ids(exec(t, tt.setQuery)))
		})
	}
}

func TestEvalDerivedFields(t *testing.T) {
	res := exec(t, `search * | eval kb = bytes / 10 | where kb >= 3`)
	assert.Equal(t, []string{"d", "c"}, ids(res))

	res = exec(t, `search * | eval tag = lower(level) + "-" + host | where tag = "error-h2"`)
	assert.Equal(t, []string{"c"}, ids(res))

	res = exec(t, `search * | eval n = len(message) | where n > 14`)
	assert.Equal(t, []string{"c"}, ids(res))
}

func TestStatsCountBy(t *testing.T) {
	res := exec(t, `search payment | stats count by level`)
	require.Equal(t, ResultStatistics, res.Type)
	assert.Equal(t, []string{"level", "count"}, res.Columns)
	assert.Equal(t, [][]string{
		{"ERROR", "2"},
		{"INFO", "1"},
	}, res.Rows)
}

func TestStatsAggregations(t *testing.T) {
	tests := []struct {
		name     string
		setQuery string
		wantCols []string
		wantRows [][]string
	}{
		{
			"sum by host",
			`search * | stats sum(bytes) by host`,
			[]string{"host", "sum(bytes)"},
			[][]string{{"h1", "30"}, {"h2", "70"}},
		},
		{
			"avg without grouping",
			`search * | stats avg(bytes)`,
			[]string{"avg(bytes)"},
			[][]string{{"25"}},
		},
		{
			"min and max",
			`search * | stats max(bytes) by host`,
			[]string{"host", "max(bytes)"},
			[][]string{{"h1", "20"}, {"h2", "40"}},
		},
		{
			"distinct count",
			`search * | stats distinct_count(level)`,
			[]string{"distinct_count(level)"},
			[][]string{{"3"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec(t, tt.setQuery)
			require.Equal(t, ResultStatistics, res.Type)
			assert.Equal(t, tt.wantCols, res.Columns)
			assert.Equal(t, tt.wantRows, res.Rows)
		})
	}
}

func TestStagesDownstreamOfStats(t *testing.T) {
	res := exec(t, `search * | stats count by level | where count > 1`)
	assert.Equal(t, [][]string{{"ERROR", "2"}}, res.Rows)

	res = exec(t, `search * | stats count by level | sort count desc | head 1`)
	assert.Equal(t, [][]string{{"ERROR", "2"}}, res.Rows)
}

func TestSortHeadTail(t *testing.T) {
	res := exec(t, `search * | sort bytes asc`)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(res))

	res = exec(t, `search * | sort bytes desc | head 2`)
	assert.Equal(t, []string{"d", "c"}, ids(res))

	res = exec(t, `search * | sort bytes asc | tail 2`)
	assert.Equal(t, []string{"c", "d"}, ids(res))
}

func TestPipelineStartingWithStats(t *testing.T) {
	res := exec(t, `stats count`)
	require.Equal(t, ResultStatistics, res.Type)
	assert.Equal(t, [][]string{{"4"}}, res.Rows)
}

func TestExecuteHonorsWindow(t *testing.T) {
	p, err := Parse("search *")
	require.NoError(t, err)

	start, end := int64(100), int64(300)
	res, err := p.Execute(testSearcher(), ExecOptions{Start: &start, End: &end})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(res))
}

func TestParseErrorsCarryOffsets(t *testing.T) {
	tests := []struct {
		name       string
		setQuery   string
		wantSubstr string
	}{
		{"empty", "", "empty"},
		{"empty stage", "search x | ", "empty stage"},
		{"bad aggregation", "search x | stats median(bytes)", "unknown aggregation"},
		{"missing where operand", "search x | where level", "comparison operator"},
		{"bad head", "search x | head many", "non-negative integer"},
		{"unterminated string", `search x | where level = "ERR`, "unterminated"},
		{"missing field arg", "search x | stats sum", "needs a field argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.setQuery)
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, pe.Msg, tt.wantSubstr)
			assert.GreaterOrEqual(t, pe.Offset, 0)
		})
	}
}

func TestRowErrorsAreCountedNotFatal(t *testing.T) {
	p, err := Parse(`search * | eval r = bytes / zero | where r > 0`)
	require.NoError(t, err)

	res, err := p.Execute(testSearcher(), ExecOptions{})
	require.NoError(t, err)

	// every division failed, so the derived field is absent everywhere and
	// the where stage keeps nothing
	assert.Empty(t, res.Records)
	assert.Equal(t, 4, res.RowErrors)
}

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

package search

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// csvHeader is the fixed export column set.
var csvHeader = []string{"ID", "Timestamp", "DateTime", "Level", "Source", "Message", "RawContent"}

// ExportCSV streams the query result as RFC 4180 CSV with a header row.
// Timestamp is the effective time in epoch millis; DateTime its ISO-8601
// UTC rendering.
func (s *Service) ExportCSV(ctx context.Context, q Query, w io.Writer) error {
	recs, err := s.Search(ctx, q)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range recs {
		ts := rec.EffectiveTime()
		row := []string{
			rec.ID,
			strconv.FormatInt(ts, 10),
			time.UnixMilli(ts).UTC().Format(time.RFC3339),
			rec.Level,
			rec.Source,
			rec.Message,
			rec.Raw,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON streams the query result as a JSON array of records.
func (s *Service) ExportJSON(ctx context.Context, q Query, w io.Writer) error {
	recs, err := s.Search(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	return enc.Encode(recs)
}

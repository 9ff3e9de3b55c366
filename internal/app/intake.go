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

package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/parser"
	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/sources"
)

const (
	maxIntakeBodyBytes = 10 << 20 // 10 MB
	maxBatchEntries    = 10000
)

// authorizeIntake resolves the HTTP source behind :id and checks its
// token. A nil source return means the response was already written.
func (a *App) authorizeIntake(c *gin.Context) *sources.Source {
	src, err := a.deps.Sources.Get(c.Param("id"))
	if err != nil {
		abortDomainError(c, err)
		return nil
	}
	if src.Kind != sources.KindHTTP {
		abortError(c, http.StatusNotFound, kindNotFound,
			errors.New("source does not accept HTTP intake"))
		return nil
	}
	if !a.deps.SourceManager.IsRunning(src.ID) {
		abortError(c, http.StatusServiceUnavailable, kindServiceUnavailable,
			errors.New("source is stopped"))
		return nil
	}
	if src.RequireAuth {
		token := c.GetHeader("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(src.Token)) != 1 {
			if a.deps.Metrics != nil {
				a.deps.Metrics.AuthFailures.Inc()
			}
			abortError(c, http.StatusUnauthorized, kindUnauthorized,
				errors.New("missing or invalid X-Auth-Token"))
			return nil
		}
	}
	return &src
}

// readIntakeBody enforces the body size cap before decoding.
func readIntakeBody(c *gin.Context, out any) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxIntakeBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (a *App) handleIntake(c *gin.Context) {
	src := a.authorizeIntake(c)
	if src == nil {
		return
	}

	var payload parser.Payload
	if err := readIntakeBody(c, &payload); err != nil {
		if isBodyTooLarge(err) {
			abortError(c, http.StatusRequestEntityTooLarge, kindInvalidInput, err)
			return
		}
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}

	accepted := a.ingest(src, []*parser.Payload{&payload}, time.Now())
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (a *App) handleIntakeBatch(c *gin.Context) {
	src := a.authorizeIntake(c)
	if src == nil {
		return
	}

	var payloads []*parser.Payload
	if err := readIntakeBody(c, &payloads); err != nil {
		if isBodyTooLarge(err) {
			abortError(c, http.StatusRequestEntityTooLarge, kindInvalidInput, err)
			return
		}
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	if len(payloads) > maxBatchEntries {
		abortError(c, http.StatusRequestEntityTooLarge, kindInvalidInput,
			errors.New("batch exceeds 10000 entries"))
		return
	}

	accepted := a.ingest(src, payloads, time.Now())
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "received": len(payloads)})
}

func (a *App) ingest(src *sources.Source, payloads []*parser.Payload, now time.Time) int {
	recs := make([]*record.Record, 0, len(payloads))
	for _, p := range payloads {
		if p == nil {
			continue
		}
		recs = append(recs, parser.FromPayload(p, src.RecordSource(), now))
	}
	accepted := a.deps.Buffer.AddAll(recs)
	a.deps.SourceManager.RecordIngested(src.ID, accepted)
	return accepted
}

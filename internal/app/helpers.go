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
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/alarm"
	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/retention"
	"github.com/grepwise/grepwise/internal/search"
	"github.com/grepwise/grepwise/internal/sources"
	"github.com/grepwise/grepwise/internal/spl"
)

// errorKind labels the error envelope for API clients.
type errorKind string

const (
	kindInvalidInput       errorKind = "INVALID_INPUT"
	kindNotFound           errorKind = "NOT_FOUND"
	kindUnauthorized       errorKind = "UNAUTHORIZED"
	kindServiceUnavailable errorKind = "SERVICE_UNAVAILABLE"
	kindInternal           errorKind = "INTERNAL"
	kindCancelled          errorKind = "CANCELLED"
)

// statusClientClosed mirrors the de-facto 499 status for abandoned
// requests.
const statusClientClosed = 499

func abortError(c *gin.Context, status int, kind errorKind, err error) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":         err.Error(),
		"kind":          kind,
		"correlationId": requestid.Get(c),
	})
}

// abortDomainError maps engine errors onto the envelope.
func abortDomainError(c *gin.Context, err error) {
	var parseErr *spl.ParseError
	switch {
	case errors.As(err, &parseErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":         parseErr.Error(),
			"kind":          kindInvalidInput,
			"offset":        parseErr.Offset,
			"correlationId": requestid.Get(c),
		})
	case errors.Is(err, search.ErrInvalidRange),
		errors.Is(err, search.ErrInvalidInterval),
		errors.Is(err, search.ErrInvalidPage),
		errors.Is(err, sources.ErrInvalid),
		errors.Is(err, alarm.ErrInvalid),
		errors.Is(err, alarm.ErrBadTransition),
		errors.Is(err, retention.ErrInvalid):
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
	case errors.Is(err, search.ErrNotFound),
		errors.Is(err, sources.ErrNotFound),
		errors.Is(err, alarm.ErrNotFound),
		errors.Is(err, alarm.ErrEventNotFound),
		errors.Is(err, retention.ErrNotFound),
		errors.Is(err, archive.ErrNotFound):
		abortError(c, http.StatusNotFound, kindNotFound, err)
	case errors.Is(err, sources.ErrConflict):
		abortError(c, http.StatusConflict, kindInvalidInput, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		abortError(c, statusClientClosed, kindCancelled, err)
	default:
		abortError(c, http.StatusInternalServerError, kindInternal, err)
	}
}

// queryWindow collects the shared search parameters.
func queryWindow(c *gin.Context) search.Query {
	return search.Query{
		Text:      c.Query("query"),
		IsRegex:   c.Query("isRegex") == "true",
		TimeRange: c.Query("timeRange"),
		StartMs:   int64Query(c, "startMs"),
		EndMs:     int64Query(c, "endMs"),
	}
}

func int64Query(c *gin.Context, name string) *int64 {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

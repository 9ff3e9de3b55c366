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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/search"
)

// streamMaxDuration bounds how long a stream endpoint stays open. The
// server carries no WriteTimeout, so these deadlines are the only cap.
const streamMaxDuration = 5 * time.Minute

// searchContext bounds one synchronous search request.
func searchContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), search.DefaultTimeout)
}

// streamContext bounds one stream request.
func streamContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), streamMaxDuration)
}

func (a *App) handleSearch(c *gin.Context) {
	ctx, cancel := searchContext(c)
	defer cancel()
	recs, err := a.deps.Search.Search(ctx, queryWindow(c))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (a *App) handleSearchPage(c *gin.Context) {
	ctx, cancel := searchContext(c)
	defer cancel()
	page, err := a.deps.Search.SearchPage(
		ctx,
		queryWindow(c),
		intQuery(c, "page", 1),
		intQuery(c, "pageSize", 100),
	)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *App) handleGetRecord(c *gin.Context) {
	rec, err := a.deps.Search.GetByID(c.Param("id"), c.Query("reveal") == "true")
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type splRequest struct {
	Query     string `json:"query" binding:"required"`
	TimeRange string `json:"timeRange"`
	StartMs   *int64 `json:"startMs"`
	EndMs     *int64 `json:"endMs"`
}

func (a *App) handleSPL(c *gin.Context) {
	var req splRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	ctx, cancel := searchContext(c)
	defer cancel()
	res, err := a.deps.Search.ExecuteSPL(ctx, req.Query, req.TimeRange, req.StartMs, req.EndMs)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *App) handleTimeAggregation(c *gin.Context) {
	interval, err := search.ParseInterval(c.DefaultQuery("interval", "1h"))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	ctx, cancel := searchContext(c)
	defer cancel()
	buckets, err := a.deps.Search.HistogramByInterval(ctx, queryWindow(c), interval)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

func (a *App) handleHistogram(c *gin.Context) {
	slots := intQuery(c, "slots", 30)
	ctx, cancel := searchContext(c)
	defer cancel()
	buckets, err := a.deps.Search.Histogram(ctx, queryWindow(c), slots)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

func (a *App) handleLevels(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Search.Levels())
}

func (a *App) handleSourceNames(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Search.SourceNames())
}

func (a *App) handleExportCSV(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="logs.csv"`)
	ctx, cancel := searchContext(c)
	defer cancel()
	if err := a.deps.Search.ExportCSV(ctx, queryWindow(c), c.Writer); err != nil {
		abortDomainError(c, err)
	}
}

func (a *App) handleExportJSON(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", `attachment; filename="logs.json"`)
	ctx, cancel := searchContext(c)
	defer cancel()
	if err := a.deps.Search.ExportJSON(ctx, queryWindow(c), c.Writer); err != nil {
		abortDomainError(c, err)
	}
}

func (a *App) handleSearchStream(c *gin.Context) {
	q := queryWindow(c)
	pageSize := intQuery(c, "pageSize", 100)
	follow := c.Query("follow") == "true"

	ctx, cancel := streamContext(c)
	defer cancel()

	w := newSSEWriter(c)
	err := a.deps.Search.StreamSearch(ctx, q, pageSize, follow, w.Emit)
	if err != nil && !errors.Is(err, errStreamClosed) {
		w.Emit(search.Event{Name: "error", Data: gin.H{"error": err.Error()}})
	}
	w.Close()
}

func (a *App) handleTimetableStream(c *gin.Context) {
	q := queryWindow(c)

	var interval time.Duration
	if raw := c.Query("interval"); raw != "" {
		var err error
		interval, err = search.ParseInterval(raw)
		if err != nil {
			abortDomainError(c, err)
			return
		}
	}

	ctx, cancel := streamContext(c)
	defer cancel()

	w := newSSEWriter(c)
	err := a.deps.Search.StreamTimetable(ctx, q, interval, w.Emit)
	if err != nil && !errors.Is(err, errStreamClosed) {
		w.Emit(search.Event{Name: "error", Data: gin.H{"error": err.Error()}})
	}
	w.Close()
}

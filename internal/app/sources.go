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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/sources"
)

// sourceView joins the stored source with its runtime status.
type sourceView struct {
	sources.Source
	Status sources.Status `json:"status"`
}

func (a *App) sourceView(src sources.Source) sourceView {
	return sourceView{Source: src, Status: a.deps.SourceManager.Status(src.ID)}
}

func (a *App) handleListSources(c *gin.Context) {
	list := a.deps.Sources.List()
	out := make([]sourceView, 0, len(list))
	for _, src := range list {
		out = append(out, a.sourceView(src))
	}
	c.JSON(http.StatusOK, out)
}

func (a *App) handleGetSource(c *gin.Context) {
	src, err := a.deps.Sources.Get(c.Param("id"))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.sourceView(src))
}

func (a *App) handleCreateSource(c *gin.Context) {
	var src sources.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	created, err := a.deps.Sources.Create(src)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	if created.Enabled {
		if err := a.deps.SourceManager.Start(created.ID); err != nil {
			// stored but not running; surface the failure in status
			c.JSON(http.StatusCreated, a.sourceView(created))
			return
		}
	}
	c.JSON(http.StatusCreated, a.sourceView(created))
}

func (a *App) handleUpdateSource(c *gin.Context) {
	var src sources.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	src.ID = c.Param("id")

	wasRunning := a.deps.SourceManager.IsRunning(src.ID)
	updated, err := a.deps.Sources.Update(src)
	if err != nil {
		abortDomainError(c, err)
		return
	}

	// restart so the pipeline picks the new settings up
	if wasRunning {
		a.deps.SourceManager.Stop(updated.ID)
	}
	if updated.Enabled {
		a.deps.SourceManager.Start(updated.ID)
	}
	c.JSON(http.StatusOK, a.sourceView(updated))
}

func (a *App) handleDeleteSource(c *gin.Context) {
	id := c.Param("id")
	a.deps.SourceManager.Stop(id)
	if err := a.deps.Sources.Delete(id); err != nil {
		abortDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) handleStartSource(c *gin.Context) {
	id := c.Param("id")
	if err := a.deps.SourceManager.Start(id); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.deps.SourceManager.Status(id))
}

func (a *App) handleStopSource(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.deps.Sources.Get(id); err != nil {
		abortDomainError(c, err)
		return
	}
	a.deps.SourceManager.Stop(id)
	c.JSON(http.StatusOK, a.deps.SourceManager.Status(id))
}

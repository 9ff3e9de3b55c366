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

	"github.com/grepwise/grepwise/internal/retention"
	"github.com/grepwise/grepwise/internal/searchcache"
)

// retention

func (a *App) handleListRetention(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Retention.List())
}

func (a *App) handleSaveRetention(c *gin.Context) {
	var p retention.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	saved, err := a.deps.Retention.Save(p)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (a *App) handleDeleteRetention(c *gin.Context) {
	if err := a.deps.Retention.Delete(c.Param("id")); err != nil {
		abortDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) handleRunRetention(c *gin.Context) {
	deleted, err := a.deps.RetentionEngine.RunOnce()
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// archives

func (a *App) handleListArchives(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Archives.List())
}

func (a *App) handleArchiveRecords(c *gin.Context) {
	recs, err := a.deps.Archives.Extract(c.Param("id"))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (a *App) handleDeleteArchive(c *gin.Context) {
	if err := a.deps.Archives.Delete(c.Param("id")); err != nil {
		abortDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// cache

func (a *App) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Cache.Stats())
}

func (a *App) handleCacheClear(c *gin.Context) {
	a.deps.Cache.Clear()
	c.Status(http.StatusNoContent)
}

func (a *App) handleGetCacheConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Cache.Config())
}

func (a *App) handlePutCacheConfig(c *gin.Context) {
	var cfg searchcache.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	a.deps.Cache.Reconfigure(cfg)
	c.JSON(http.StatusOK, a.deps.Cache.Config())
}

// redaction

func (a *App) handleGetRedactionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Redactor.Current())
}

func (a *App) handleGetRedactionKeys(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Redactor.Current().Keys)
}

func (a *App) handlePutRedactionKeys(c *gin.Context) {
	var keys []string
	if err := c.ShouldBindJSON(&keys); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	cfg := a.deps.Redactor.Current()
	cfg.Keys = keys
	if err := a.deps.Redactor.Update(cfg); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	c.JSON(http.StatusOK, a.deps.Redactor.Current())
}

func (a *App) handleReloadRedaction(c *gin.Context) {
	if err := a.deps.Redactor.Reload(); err != nil {
		abortError(c, http.StatusInternalServerError, kindInternal, err)
		return
	}
	c.JSON(http.StatusOK, a.deps.Redactor.Current())
}

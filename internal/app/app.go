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

// Package app is the REST and SSE surface over the engines.
package app

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/alarm"
	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/config"
	"github.com/grepwise/grepwise/internal/intake"
	"github.com/grepwise/grepwise/internal/metrics"
	"github.com/grepwise/grepwise/internal/redact"
	"github.com/grepwise/grepwise/internal/retention"
	"github.com/grepwise/grepwise/internal/search"
	"github.com/grepwise/grepwise/internal/searchcache"
	"github.com/grepwise/grepwise/internal/sources"
)

// Deps carries the wired engines the handlers dispatch into.
type Deps struct {
	Search          *search.Service
	Buffer          *intake.Buffer
	Sources         *sources.Registry
	SourceManager   *sources.Manager
	Alarms          *alarm.Store
	AlarmEngine     *alarm.Engine
	Retention       *retention.PolicyStore
	RetentionEngine *retention.Engine
	Archives        *archive.Store
	Cache           *searchcache.Cache
	Redactor        *redact.Redactor
	Metrics         *metrics.Metrics
}

type App struct {
	*gin.Engine
	deps Deps
}

// Create new gin app
func NewApp(cfg *config.Config, deps Deps) *App {
	// Init app
	app := &App{Engine: gin.New(), deps: deps}

	// If not in test-mode
	if gin.Mode() != gin.TestMode {
		app.Use(gin.Recovery())
	}

	// Add request-id middleware
	app.Use(requestid.New())

	// Add logging middleware
	if cfg.Logging.AccessLog.Enabled {
		app.Use(loggingMiddleware())
	}

	// Gzip middleware; SSE responses must flush uncompressed
	app.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`.*/stream$`})))

	api := app.Group("/api")
	{
		logs := api.Group("/logs")
		{
			logs.GET("/search", app.handleSearch)
			logs.GET("/search/page", app.handleSearchPage)
			logs.GET("/search/stream", app.handleSearchStream)
			logs.GET("/search/timetable/stream", app.handleTimetableStream)
			logs.POST("/spl", app.handleSPL)
			logs.GET("/time-aggregation", app.handleTimeAggregation)
			logs.GET("/histogram", app.handleHistogram)
			logs.GET("/export/csv", app.handleExportCSV)
			logs.GET("/export/json", app.handleExportJSON)
			logs.GET("/levels", app.handleLevels)
			logs.GET("/sourceNames", app.handleSourceNames)

			// :id doubles as the source id on the intake receiver
			logs.POST("/:id", app.handleIntake)
			logs.POST("/:id/batch", app.handleIntakeBatch)
			logs.GET("/:id", app.handleGetRecord)
		}

		srcs := api.Group("/sources")
		{
			srcs.GET("", app.handleListSources)
			srcs.POST("", app.handleCreateSource)
			srcs.GET("/:id", app.handleGetSource)
			srcs.PUT("/:id", app.handleUpdateSource)
			srcs.DELETE("/:id", app.handleDeleteSource)
			srcs.POST("/:id/start", app.handleStartSource)
			srcs.POST("/:id/stop", app.handleStopSource)
		}

		alarms := api.Group("/alarms")
		{
			alarms.GET("", app.handleListAlarms)
			alarms.POST("", app.handleCreateAlarm)
			alarms.GET("/events", app.handleAllAlarmEvents)
			alarms.POST("/events/:eventId/acknowledge", app.handleAcknowledgeEvent)
			alarms.POST("/events/:eventId/resolve", app.handleResolveEvent)
			alarms.GET("/:id", app.handleGetAlarm)
			alarms.PUT("/:id", app.handleUpdateAlarm)
			alarms.DELETE("/:id", app.handleDeleteAlarm)
			alarms.POST("/:id/enable", app.handleEnableAlarm)
			alarms.POST("/:id/disable", app.handleDisableAlarm)
			alarms.POST("/:id/evaluate", app.handleEvaluateAlarm)
			alarms.GET("/:id/events", app.handleAlarmEvents)
		}

		ret := api.Group("/retention")
		{
			ret.GET("", app.handleListRetention)
			ret.POST("", app.handleSaveRetention)
			ret.DELETE("/:id", app.handleDeleteRetention)
			ret.POST("/run", app.handleRunRetention)
		}

		archives := api.Group("/archives")
		{
			archives.GET("", app.handleListArchives)
			archives.GET("/:id/records", app.handleArchiveRecords)
			archives.DELETE("/:id", app.handleDeleteArchive)
		}

		cache := api.Group("/cache")
		{
			cache.GET("/stats", app.handleCacheStats)
			cache.POST("/clear", app.handleCacheClear)
			cache.GET("/config", app.handleGetCacheConfig)
			cache.PUT("/config", app.handlePutCacheConfig)
		}

		redaction := api.Group("/redaction")
		{
			redaction.GET("/config", app.handleGetRedactionConfig)
			redaction.GET("/keys", app.handleGetRedactionKeys)
			redaction.PUT("/keys", app.handlePutRedactionKeys)
			redaction.POST("/reload", app.handleReloadRedaction)
		}
	}

	// Health endpoint
	app.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	if deps.Metrics != nil {
		app.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return app
}

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

	"github.com/grepwise/grepwise/internal/alarm"
)

func (a *App) handleListAlarms(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Alarms.List())
}

func (a *App) handleGetAlarm(c *gin.Context) {
	al, err := a.deps.Alarms.Get(c.Param("id"))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, al)
}

func (a *App) handleCreateAlarm(c *gin.Context) {
	var al alarm.Alarm
	if err := c.ShouldBindJSON(&al); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	saved, err := a.deps.Alarms.Save(al)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (a *App) handleUpdateAlarm(c *gin.Context) {
	var al alarm.Alarm
	if err := c.ShouldBindJSON(&al); err != nil {
		abortError(c, http.StatusBadRequest, kindInvalidInput, err)
		return
	}
	al.ID = c.Param("id")
	if _, err := a.deps.Alarms.Get(al.ID); err != nil {
		abortDomainError(c, err)
		return
	}
	saved, err := a.deps.Alarms.Save(al)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (a *App) handleDeleteAlarm(c *gin.Context) {
	if err := a.deps.Alarms.Delete(c.Param("id")); err != nil {
		abortDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) setAlarmEnabled(c *gin.Context, enabled bool) {
	al, err := a.deps.Alarms.SetEnabled(c.Param("id"), enabled)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, al)
}

func (a *App) handleEnableAlarm(c *gin.Context)  { a.setAlarmEnabled(c, true) }
func (a *App) handleDisableAlarm(c *gin.Context) { a.setAlarmEnabled(c, false) }

func (a *App) handleEvaluateAlarm(c *gin.Context) {
	triggered, count, err := a.deps.AlarmEngine.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wouldTrigger": triggered, "matchCount": count})
}

func (a *App) handleAlarmEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.deps.Alarms.Get(id); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.deps.AlarmEngine.Events(id))
}

func (a *App) handleAllAlarmEvents(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.AlarmEngine.Events(""))
}

// principal names the actor recorded on acknowledge/resolve; spec scopes
// real authentication upstream, so the header is advisory.
func principal(c *gin.Context) string {
	if p := c.GetHeader("X-Principal"); p != "" {
		return p
	}
	return "api"
}

func (a *App) handleAcknowledgeEvent(c *gin.Context) {
	ev, err := a.deps.AlarmEngine.Acknowledge(c.Param("eventId"), principal(c))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (a *App) handleResolveEvent(c *gin.Context) {
	ev, err := a.deps.AlarmEngine.Resolve(c.Param("eventId"), principal(c))
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

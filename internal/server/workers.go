package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botkeeper/internal/logstore"
	"github.com/loykin/botkeeper/internal/supervisor"
)

type pidResp struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

type stopResp struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type toggleResp struct {
	ID          string `json:"id"`
	AutoRestart bool   `json:"auto_restart"`
}

type scriptResp struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type logsResp struct {
	ID      string           `json:"id"`
	Entries []logstore.Entry `json:"entries"`
}

func (r *Router) handleListWorkers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.ListWorkers())
}

func (r *Router) handleCreateWorker(c *gin.Context) {
	var req supervisor.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	w, err := r.sup.CreateWorker(req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, w)
}

func (r *Router) handleGetWorker(c *gin.Context) {
	w, err := r.sup.GetWorker(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, w)
}

func (r *Router) handleUpdateWorker(c *gin.Context) {
	var req supervisor.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	w, err := r.sup.UpdateWorker(c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, w)
}

func (r *Router) handleDeleteWorker(c *gin.Context) {
	if err := r.sup.DeleteWorker(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScript(c *gin.Context) {
	id := c.Param("id")
	content, err := r.sup.ReadScript(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, scriptResp{ID: id, Content: content})
}

func (r *Router) handleStart(c *gin.Context) {
	id := c.Param("id")
	pid, err := r.sup.Start(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{ID: id, PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	outcome, err := r.sup.Stop(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stopResp{ID: id, Outcome: outcome.String()})
}

func (r *Router) handleRestart(c *gin.Context) {
	id := c.Param("id")
	pid, err := r.sup.Restart(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{ID: id, PID: pid})
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.sup.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToggleAutoRestart(c *gin.Context) {
	id := c.Param("id")
	on, err := r.sup.ToggleAutoRestart(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toggleResp{ID: id, AutoRestart: on})
}

func (r *Router) handleLogs(c *gin.Context) {
	id := c.Param("id")
	limit, err := parseLimit(c, defaultLogLimit)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	entries, err := r.sup.Logs(id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []logstore.Entry{}
	}
	writeJSON(c, http.StatusOK, logsResp{ID: id, Entries: entries})
}

func (r *Router) handleClearLogs(c *gin.Context) {
	if err := r.sup.ClearLogs(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleClearAllLogs(c *gin.Context) {
	if err := r.sup.ClearAllLogs(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRotateLogs(c *gin.Context) {
	r.sup.RotateLogs()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

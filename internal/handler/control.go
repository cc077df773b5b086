// Package handler exposes the remote control channel: runtime status,
// position and order inspection, and the pause/resume switch.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kospibot/daytrader/internal/engine"
)

type ControlHandler struct {
	engine *engine.Engine
	stop   func()
}

// NewControlHandler wires the engine and a process-level stop hook; stop is
// invoked at most once.
func NewControlHandler(e *engine.Engine, stop func()) *ControlHandler {
	return &ControlHandler{engine: e, stop: stop}
}

func (h *ControlHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *ControlHandler) Positions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": h.engine.Positions()})
}

func (h *ControlHandler) PendingOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": h.engine.PendingOrders()})
}

func (h *ControlHandler) Balance(c *gin.Context) {
	bal, err := h.engine.Balance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// Today returns the day's journaled trades.
func (h *ControlHandler) Today(c *gin.Context) {
	trades, err := h.engine.TradesToday(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (h *ControlHandler) Pause(c *gin.Context) {
	h.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *ControlHandler) Resume(c *gin.Context) {
	h.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// Stop requests a graceful shutdown: pending orders drain before exit.
func (h *ControlHandler) Stop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
	if h.stop != nil {
		h.stop()
	}
}

type watchRequest struct {
	Codes []string `json:"codes" binding:"required,min=1"`
}

func (h *ControlHandler) Watch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.engine.Watch(req.Codes)
	c.JSON(http.StatusOK, gin.H{"status": "watching", "count": len(req.Codes)})
}

func (h *ControlHandler) Unwatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.engine.Unwatch(req.Codes)
	c.JSON(http.StatusOK, gin.H{"status": "unwatched", "count": len(req.Codes)})
}

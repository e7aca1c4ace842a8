package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cctv-monitor/pkg/auth"
	"cctv-monitor/pkg/cachedstats"
	"cctv-monitor/pkg/database"
	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/notify"
	"cctv-monitor/pkg/services/events"
	"cctv-monitor/pkg/stats"
)

// Handlers exposes the event operations over HTTP.
type Handlers struct {
	Events *events.Service
	Hub    *notify.Hub
	Stats  *cachedstats.CachedStats
	Logger *zap.Logger

	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// writeError maps service errors onto HTTP status codes.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, eventstore.ErrNotFound), errors.Is(err, database.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, events.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, events.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func eventID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return 0, false
	}
	return id, true
}

func boolQuery(c *gin.Context, key string) (*bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// HandleListEvents returns events newest first, filtered by camera, locked and acknowledged.
func (h *Handlers) HandleListEvents(c *gin.Context) {
	filter := events.ListFilter{Camera: c.Query("camera")}
	var err error
	if filter.Locked, err = boolQuery(c, "locked"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid locked filter"})
		return
	}
	if filter.Acknowledged, err = boolQuery(c, "acknowledged"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid acknowledged filter"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	list, err := h.Events.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

// HandleIngestEvent accepts a candidate event from the intake.
func (h *Handlers) HandleIngestEvent(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, isNew, err := h.Events.Ingest(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"event": created, "created": isNew})
}

// HandleGetEvent returns one event, attaching its video on the way.
func (h *Handlers) HandleGetEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	ev, err := h.Events.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleAcknowledge records the operator response for an event.
func (h *Handlers) HandleAcknowledge(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req events.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	by := ""
	if user := auth.CurrentUser(c); user != nil {
		by = user.Username
	}
	ev, err := h.Events.Acknowledge(c.Request.Context(), id, req, by)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleLock sets or clears the retention lock.
func (h *Handlers) HandleLock(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req struct {
		Locked *bool `json:"locked" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "locked is required"})
		return
	}
	ev, err := h.Events.ToggleLock(c.Request.Context(), id, *req.Locked)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleAttachVideo runs correlation for one event and reports the outcome.
func (h *Handlers) HandleAttachVideo(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	out, err := h.Events.AttachVideoIfMissing(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleRetentionSweep runs a sweep now. The body may carry retentionDays.
func (h *Handlers) HandleRetentionSweep(c *gin.Context) {
	var req struct {
		RetentionDays *int `json:"retentionDays"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.Events.RunRetentionSweep(c.Request.Context(), req.RetentionDays)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleEventStream streams hub notifications as server-sent events.
func (h *Handlers) HandleEventStream(c *gin.Context) {
	id, ch := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(id)

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"subscriber": id})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(n.Type, n)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

// HandleStats returns the cached dashboard statistics.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Stats.GetData())
}

func HandleSystemStatsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, stats.GetSystemInfo())
}

func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- user administration ---

func HandleListUsers(c *gin.Context) {
	users, err := database.GetAllUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func HandleCreateUser(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password cannot be empty."})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := database.CreateUser(req.Username, req.Password, req.IsAdmin); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Successfully created user: " + req.Username})
}

func HandleDeleteUser(c *gin.Context) {
	username := c.Param("username")
	if user := auth.CurrentUser(c); user != nil && user.Username == username {
		c.JSON(http.StatusBadRequest, gin.H{"error": "You cannot delete your own account."})
		return
	}
	if err := database.DeleteUser(username); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Successfully deleted user: " + username})
}

func HandleChangePassword(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password cannot be empty."})
		return
	}
	username := c.Param("username")
	if err := database.UpdateUserPassword(username, req.Password); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Successfully updated password for user: " + username})
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cctv-monitor/pkg/auth"
	"cctv-monitor/pkg/handlers"
)

const shutdownTimeout = 10 * time.Second

// requestLogger writes one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if user := auth.CurrentUser(c); user != nil {
			fields = append(fields, zap.String("user", user.Username))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("Request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("Request", fields...)
		default:
			logger.Debug("Request", fields...)
		}
	}
}

func SetupRouter(h *handlers.Handlers, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(requestLogger(logger), gin.Recovery())

	r.GET("/healthz", handlers.HandleHealth)
	r.POST("/api/login", auth.LoginHandler)

	// --- Authenticated Route Group ---
	authorized := r.Group("/api")
	authorized.Use(auth.AuthMiddleware())
	{
		authorized.GET("/events", h.HandleListEvents)
		authorized.POST("/events", h.HandleIngestEvent)
		authorized.GET("/events/stream", h.HandleEventStream)
		authorized.GET("/events/:id", h.HandleGetEvent)
		authorized.POST("/events/:id/ack", h.HandleAcknowledge)
		authorized.POST("/events/:id/lock", h.HandleLock)
		authorized.POST("/events/:id/attach", h.HandleAttachVideo)

		authorized.GET("/stats", h.HandleStats)
		authorized.GET("/system-stats", handlers.HandleSystemStatsJSON)

		// --- Admin-Only Route Group ---
		admin := authorized.Group("/")
		admin.Use(auth.AdminOnlyMiddleware())
		{
			admin.POST("/retention/sweep", h.HandleRetentionSweep)
			admin.GET("/users", handlers.HandleListUsers)
			admin.POST("/users", handlers.HandleCreateUser)
			admin.DELETE("/users/:username", handlers.HandleDeleteUser)
			admin.POST("/users/:username/password", handlers.HandleChangePassword)
		}

		authorized.POST("/logout", auth.LogoutHandler)
	}

	return r
}

// StartServer serves r on addr until ctx is cancelled, then drains open
// requests for up to shutdownTimeout.
func StartServer(ctx context.Context, addr string, r http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

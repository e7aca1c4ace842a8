package cachedstats

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/stats"
)

// EventLoader reads the current event list.
type EventLoader interface {
	Load() ([]models.Event, error)
}

// CachedStats holds the last computed dashboard statistics. Walking the media
// tree is too slow to do per request, so it is refreshed on a ticker.
type CachedStats struct {
	sync.RWMutex
	Data gin.H

	events    EventLoader
	dataDir   string
	videosDir string
	videoExt  string
	now       func() time.Time
}

// New returns an empty cache; call Update or RunUpdater to fill it.
func New(events EventLoader, dataDir, videosDir, videoExt string) *CachedStats {
	return &CachedStats{
		Data:      gin.H{},
		events:    events,
		dataDir:   dataDir,
		videosDir: videosDir,
		videoExt:  videoExt,
		now:       time.Now,
	}
}

// RunUpdater refreshes the cache immediately and then every interval until
// ctx is cancelled.
func (cs *CachedStats) RunUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			cs.Update()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Update recomputes every statistic. A failed event read keeps the previous
// event counters.
func (cs *CachedStats) Update() {
	data := gin.H{
		"storage":     stats.GetStorageStats(cs.dataDir, cs.videosDir, cs.videoExt),
		"system_info": stats.GetSystemInfo(),
		"updated_at":  cs.now().Format(time.RFC3339),
	}

	events, err := cs.events.Load()
	if err != nil {
		zap.L().Warn("Failed to load events for stats", zap.Error(err))
	} else {
		data["events"] = stats.GetEventStats(events, cs.now())
	}

	cs.Lock()
	defer cs.Unlock()
	if _, ok := data["events"]; !ok {
		if prev, ok := cs.Data["events"]; ok {
			data["events"] = prev
		}
	}
	cs.Data = data
}

// GetData returns the last computed statistics.
func (cs *CachedStats) GetData() gin.H {
	cs.RLock()
	defer cs.RUnlock()
	return cs.Data
}

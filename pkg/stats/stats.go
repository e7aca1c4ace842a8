package stats

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/util"
)

// EventStats are counters over the event list.
type EventStats struct {
	Total         int            `json:"total"`
	Locked        int            `json:"locked"`
	Acknowledged  int            `json:"acknowledged"`
	WithVideo     int            `json:"with_video"`
	LateResponses int            `json:"late_responses"`
	Last24h       int            `json:"last_24h"`
	ByCamera      map[string]int `json:"by_camera"`
	LastEventTime string         `json:"last_event_time"`
}

// GetEventStats counts events relative to now.
func GetEventStats(events []models.Event, now time.Time) EventStats {
	s := EventStats{ByCamera: map[string]int{}, LastEventTime: "N/A"}
	var last time.Time
	dayAgo := now.Add(-24 * time.Hour)
	for _, ev := range events {
		s.Total++
		if ev.Locked {
			s.Locked++
		}
		if ev.Acknowledged {
			s.Acknowledged++
		}
		if ev.VideoPath != "" {
			s.WithVideo++
		}
		if ev.IsLateResponse {
			s.LateResponses++
		}
		if ev.Date.After(dayAgo) && !ev.Date.After(now) {
			s.Last24h++
		}
		camera := ev.Camera
		if camera == "" {
			camera = "unknown"
		}
		s.ByCamera[camera]++
		if ev.Date.After(last) {
			last = ev.Date
		}
	}
	if !last.IsZero() {
		s.LastEventTime = last.Format("2006-01-02 15:04:05")
	}
	return s
}

// StorageStats describes the media tree and the filesystem holding it.
type StorageStats struct {
	VideoFiles   int     `json:"video_files"`
	MediaSize    string  `json:"media_size"`
	DiskTotal    string  `json:"disk_total"`
	DiskFree     string  `json:"disk_free"`
	DiskUsedPerc float64 `json:"disk_used_percent"`
}

// GetStorageStats walks dataDir and queries the filesystem it lives on.
func GetStorageStats(dataDir, videosDir, videoExt string) StorageStats {
	s := StorageStats{MediaSize: "N/A", DiskTotal: "N/A", DiskFree: "N/A"}

	if files, err := util.GetMediaFiles(videosDir, videoExt); err != nil {
		zap.L().Warn("Error listing video files", zap.Error(err))
	} else {
		s.VideoFiles = len(files)
	}

	if size, err := util.DirSize(dataDir); err != nil {
		zap.L().Warn("Error calculating disk usage", zap.Error(err))
	} else {
		s.MediaSize = FormatBytes(uint64(size))
	}

	if usage, err := disk.Usage(dataDir); err != nil {
		zap.L().Debug("Disk usage unavailable", zap.String("path", dataDir), zap.Error(err))
	} else {
		s.DiskTotal = FormatBytes(usage.Total)
		s.DiskFree = FormatBytes(usage.Free)
		s.DiskUsedPerc = usage.UsedPercent
	}
	return s
}

// GetSystemInfo reports host CPU and memory usage.
func GetSystemInfo() gin.H {
	info := gin.H{
		"os_type":      runtime.GOOS,
		"cpu_usage":    "N/A",
		"memory_usage": "N/A",
		"uptime":       "N/A",
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info["cpu_usage"] = fmt.Sprintf("%.1f%%", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_usage"] = fmt.Sprintf("%.1f%%", vm.UsedPercent)
	}
	if h, err := host.Info(); err == nil {
		info["os_type"] = fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion)
		info["uptime"] = (time.Duration(h.Uptime) * time.Second).String()
	}
	return info
}

// FormatBytes renders a byte count the way the dashboard shows it.
func FormatBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d Bytes", n)
	}
}

// Package videoindex lists candidate clips from the videos/{YYYY}/{MM}/{DD}/
// tree written by the upload intake, and owns the one path convention used to
// turn stored media paths into files on disk.
package videoindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cctv-monitor/pkg/timestamp"
)

// Index reads the date-bucketed video tree below Root/VideosDir.
type Index struct {
	// Root is the media root; stored paths such as "/videos/2025/04/24/x.mp4" are relative to it.
	Root string
	// VideosDir is the name of the video tree below Root.
	VideosDir string
	// Extension is the accepted video extension without the dot.
	Extension string
	// LookbackDays bounds the unscoped enumeration.
	LookbackDays int
	// Workers bounds concurrent day-directory reads.
	Workers int
	// Now is the clock used for the lookback window.
	Now func() time.Time
}

// New builds an index with the usual defaults filled in.
func New(root, videosDir, ext string, lookbackDays int) *Index {
	return &Index{
		Root:         root,
		VideosDir:    videosDir,
		Extension:    strings.TrimPrefix(ext, "."),
		LookbackDays: lookbackDays,
		Workers:      4,
		Now:          time.Now,
	}
}

// Resolve maps a stored media path ("/videos/..." or "/images/...") to its
// location on disk. The path is cleaned as if rooted, so ".." can never leave Root.
func (ix *Index) Resolve(stored string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(stored))
	if clean == "/" {
		return "", fmt.Errorf("empty media path %q", stored)
	}
	return filepath.Join(ix.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// StoredPath is the inverse of Resolve for a video inside a day bucket.
func (ix *Index) StoredPath(day time.Time, name string) string {
	return "/" + path.Join(ix.VideosDir, day.Format("2006"), day.Format("01"), day.Format("02"), name)
}

// DayDir returns the on-disk directory for a day bucket.
func (ix *Index) DayDir(day time.Time) string {
	return filepath.Join(ix.Root, ix.VideosDir, day.Format("2006"), day.Format("01"), day.Format("02"))
}

// ListCandidates returns stored paths of video files, in directory order
// (lexicographic within a day, days oldest first).
//
// day is a YYYYMMDD key. When it is empty every day directory within the
// last LookbackDays is enumerated and malformed directory names are skipped.
// cameraPrefix, when set, keeps only names whose part before the first "_"
// equals it exactly.
func (ix *Index) ListCandidates(ctx context.Context, cameraPrefix, day string) ([]string, error) {
	if day != "" {
		d, err := time.ParseInLocation(timestamp.DayLayout, day, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q: %w", day, err)
		}
		return ix.listDay(ctx, d, cameraPrefix)
	}

	days, err := ix.recentDays()
	if err != nil {
		return nil, err
	}

	results := make([][]string, len(days))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers())
	for i, d := range days {
		i, d := i, d
		g.Go(func() error {
			paths, err := ix.listDay(gctx, d, cameraPrefix)
			if err != nil {
				return err
			}
			results[i] = paths
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (ix *Index) listDay(ctx context.Context, day time.Time, cameraPrefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(ix.DayDir(day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read video directory for %s: %w", timestamp.DayKey(day), err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ix.hasExtension(e.Name()) {
			continue
		}
		if cameraPrefix != "" && CameraPrefix(e.Name()) != cameraPrefix {
			continue
		}
		paths = append(paths, ix.StoredPath(day, e.Name()))
	}
	return paths, nil
}

// recentDays walks year/month/day directories and keeps the last
// LookbackDays buckets, today included, oldest first.
func (ix *Index) recentDays() ([]time.Time, error) {
	now := ix.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	span := ix.LookbackDays
	if span < 1 {
		span = 1
	}
	oldest := today.AddDate(0, 0, -(span - 1))

	base := filepath.Join(ix.Root, ix.VideosDir)
	years, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read video root: %w", err)
	}

	var days []time.Time
	for _, y := range years {
		year, ok := dirNumber(y, 4)
		if !ok {
			continue
		}
		months, err := os.ReadDir(filepath.Join(base, y.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read video year %s: %w", y.Name(), err)
		}
		for _, m := range months {
			month, ok := dirNumber(m, 2)
			if !ok || month < 1 || month > 12 {
				continue
			}
			dayEntries, err := os.ReadDir(filepath.Join(base, y.Name(), m.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read video month %s/%s: %w", y.Name(), m.Name(), err)
			}
			for _, d := range dayEntries {
				dom, ok := dirNumber(d, 2)
				if !ok {
					continue
				}
				t := time.Date(year, time.Month(month), dom, 0, 0, 0, 0, time.Local)
				if t.Day() != dom {
					continue // e.g. 02/31
				}
				if t.Before(oldest) || t.After(today) {
					continue
				}
				days = append(days, t)
			}
		}
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// CameraPrefix returns the part of a filename before the first "_".
func CameraPrefix(name string) string {
	if i := strings.IndexByte(name, '_'); i >= 0 {
		return name[:i]
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (ix *Index) hasExtension(name string) bool {
	return strings.TrimPrefix(filepath.Ext(name), ".") == ix.Extension
}

func (ix *Index) workers() int {
	if ix.Workers < 1 {
		return 1
	}
	return ix.Workers
}

func (ix *Index) now() time.Time {
	if ix.Now == nil {
		return time.Now()
	}
	return ix.Now()
}

func dirNumber(e fs.DirEntry, width int) (int, bool) {
	if !e.IsDir() || len(e.Name()) != width {
		return 0, false
	}
	n, err := strconv.Atoi(e.Name())
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

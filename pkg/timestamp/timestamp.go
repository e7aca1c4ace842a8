// Package timestamp pulls the 14-digit YYYYMMDDHHMMSS capture time out of
// snapshot and video filenames.
//
// Both conventions go through the same conversion, so an image and a video
// recorded in the same second always produce equal times. Timestamps are
// naive local time; no timezone conversion is applied.
package timestamp

import (
	"path/filepath"
	"regexp"
	"time"
)

// Kind selects the filename convention.
type Kind int

const (
	// Image names look like "<id>_<n>_<14 digits>...".
	Image Kind = iota
	// Video names carry a bare run of exactly 14 digits anywhere.
	Video
)

// Layout is the embedded timestamp format.
const Layout = "20060102150405"

// DayLayout is the YYYYMMDD day key used by the video index.
const DayLayout = "20060102"

var (
	imagePattern = regexp.MustCompile(`^\d+_\d+_(\d{14})`)
	videoPattern = regexp.MustCompile(`(?:^|\D)(\d{14})(?:\D|$)`)
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// Extract returns the capture time embedded in name. Only the base name is
// inspected. ok is false when the convention for kind does not match or the
// digits are not a valid calendar time.
func Extract(name string, kind Kind) (t time.Time, ok bool) {
	base := filepath.Base(filepath.FromSlash(name))

	var m []string
	switch kind {
	case Image:
		m = imagePattern.FindStringSubmatch(base)
	case Video:
		m = videoPattern.FindStringSubmatch(base)
	}
	if len(m) < 2 {
		return time.Time{}, false
	}
	return Parse(m[1])
}

// Parse converts a 14-digit YYYYMMDDHHMMSS string. The month is 1-based in
// the string and maps directly onto time.Month.
func Parse(digits string) (time.Time, bool) {
	if len(digits) != len(Layout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(Layout, digits, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Format renders t in the 14-digit filename form.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// DayKey renders the YYYYMMDD bucket that t belongs to.
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}

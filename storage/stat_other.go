//go:build !linux

package storage

import (
	"io/fs"
	"time"
)

// statTimes extracts (created, modified) from a stat result. Without a
// portable creation time, both are the modification time.
func statTimes(fi fs.FileInfo) (time.Time, time.Time) {
	return fi.ModTime(), fi.ModTime()
}

//go:build darwin

package local

import (
	"os"
	"syscall"
	"time"
)

// platformTimes extracts birth and access time on macOS.
func platformTimes(info os.FileInfo) (created, accessed time.Time) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, time.Time{}
	}
	return time.Unix(stat.Birthtimespec.Sec, stat.Birthtimespec.Nsec),
		time.Unix(stat.Atimespec.Sec, stat.Atimespec.Nsec)
}

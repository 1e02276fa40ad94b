//go:build linux

package local

import (
	"os"
	"syscall"
	"time"
)

// platformTimes returns the access time. Linux does not expose birth time
// in syscall.Stat_t (it needs statx), so created stays zero.
func platformTimes(info os.FileInfo) (created, accessed time.Time) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, time.Time{}
	}
	return time.Time{}, time.Unix(int64(stat.Atim.Sec), int64(stat.Atim.Nsec))
}

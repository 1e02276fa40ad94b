//go:build windows

package local

import (
	"os"
	"syscall"
	"time"
)

// platformTimes extracts creation and access time on Windows.
func platformTimes(info os.FileInfo) (created, accessed time.Time) {
	// On Windows, Sys() returns *syscall.Win32FileAttributeData
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return time.Time{}, time.Time{}
	}
	return time.Unix(0, data.CreationTime.Nanoseconds()),
		time.Unix(0, data.LastAccessTime.Nanoseconds())
}

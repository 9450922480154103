//go:build unix

package emq

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// processUsage returns the CPU seconds spent in system and user mode and
// the peak resident set size in bytes.
func processUsage() (sys, user float64, rss uint64) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, 0
	}

	sys = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	user = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6

	rss = uint64(ru.Maxrss)
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		// reported in kilobytes everywhere except Apple platforms
		rss *= 1024
	}
	return sys, user, rss
}

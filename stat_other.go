//go:build !unix

package emq

// processUsage is not available on this platform. The caller falls back to
// runtime memory statistics.
func processUsage() (sys, user float64, rss uint64) {
	return 0, 0, 0
}

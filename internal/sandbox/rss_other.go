//go:build !linux

package sandbox

// groupRSS is not measured outside Linux; memory limits are best effort.
func groupRSS(int) (int64, bool) { return 0, false }

package sshclient

import "strings"

var posixMarkers = []string{"linux", "darwin", "freebsd", "openbsd", "netbsd", "sunos", "aix"}

// isPosixOutput reports whether uname output names a POSIX system.
func isPosixOutput(out string) bool {
	s := strings.ToLower(out)
	for _, m := range posixMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// isWindowsOutput reports whether ver output names Windows.
func isWindowsOutput(out string) bool {
	s := strings.ToLower(out)
	return strings.Contains(s, "microsoft windows") || strings.Contains(s, "windows")
}

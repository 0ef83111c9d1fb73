//go:build windows

package logger

// isTerminal reports whether fd is a terminal. Color output is not
// supported on Windows consoles, so this always returns false.
func isTerminal(fd uintptr) bool {
	return false
}

//go:build !windows

package concave

// termSupportsColor reports whether the platform's default terminal
// generally supports ANSI color when TERM is set and not "dumb".
func termSupportsColor() bool { return true }

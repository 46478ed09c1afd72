//go:build !tinygo

package core

// bitbangWait advances the simulated clock to the end of the pulse window.
// Host builds have no real hardware to hold a line for, so the wait is
// modeled by moving time forward; tests then see realistic elapsed ticks.
func bitbangWait(start uint32, ticks uint32) {
	now := getSystemTicks()
	elapsed := now - start
	if elapsed < ticks {
		advanceSystemTicks(ticks - elapsed)
	}
}

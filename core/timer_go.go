//go:build !tinygo

package core

var systemTicks uint32

func getSystemTicks() uint32 {
	return systemTicks
}

func setSystemTicks(ticks uint32) {
	systemTicks = ticks
}

// advanceSystemTicks moves simulated time forward. Host builds have no
// free-running counter, so busy-wait helpers call this instead of spinning.
func advanceSystemTicks(ticks uint32) {
	systemTicks += ticks
}

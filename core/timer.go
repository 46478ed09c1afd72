package core

// TimerFreq is the hardware timer frequency in Hz.
const TimerFreq = 12000000 // 12MHz

var bootTime uint64

// GetTime returns the current system time in timer ticks.
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the tick counter. Used by the hardware tick interrupt and
// by tests driving simulated time.
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns the 64-bit uptime in timer ticks.
func GetUptime() uint64 {
	return uint64(GetTime())
}

// TimerFromUS converts microseconds to timer ticks.
func TimerFromUS(us uint32) uint32 {
	return (us * (TimerFreq / 1000000))
}

// TimerToUS converts timer ticks to microseconds.
func TimerToUS(ticks uint32) uint32 {
	return ticks / (TimerFreq / 1000000)
}

// NsecsToTicks converts nanoseconds to timer ticks, rounding down. Used
// for converter minimum pulse widths.
func NsecsToTicks(ns uint32) uint32 {
	return uint32((uint64(ns) * TimerFreq) / 1000000000)
}

// TimerInit initializes the system timer.
func TimerInit() {
	bootTime = uint64(GetTime())
}

// ProcessTimers runs any timers that have come due.
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}

//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"goscale/core"
)

// RP2040 TIMER peripheral. The raw registers avoid the latched-read pair
// so reads from the main loop cannot race the runtime's own reads.
//
// timeRawH @ 0x24 - raw upper 32 bits
// timeRawL @ 0x28 - raw lower 32 bits
const (
	timerBase     = 0x40054000
	timerTimeRawH = timerBase + 0x24
	timerTimeRawL = timerBase + 0x28
)

var (
	timerRawH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTimeRawH)))
	timerRawL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTimeRawL)))
)

// InitClock initializes hardware timekeeping. The RP2040 timer is a
// 64-bit microsecond counter; TinyGo's runtime starts it.
func InitClock() {
	_ = timerRawL.Get()
	_ = timerRawL.Get()

	core.RegisterConstant("MCU", "rp2040")
}

// GetHardwareTime reads the low 32 bits of the microsecond counter.
func GetHardwareTime() uint32 {
	return timerRawL.Get()
}

// GetHardwareUptime reads the full 64-bit counter, retrying across a
// low-word rollover.
func GetHardwareUptime() uint64 {
	for {
		high1 := timerRawH.Get()
		low := timerRawL.Get()
		high2 := timerRawH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// UpdateSystemTime publishes hardware time to the scheduler. The
// microsecond counter is scaled up to the 12MHz tick rate; the scaling
// wraps mod 2^32 together with the counter, so elapsed-tick arithmetic
// stays valid across rollover.
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime() * (core.TimerFreq / 1000000))
}

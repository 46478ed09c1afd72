// Bit-bang timing primitives shared by the clocked load-cell converters.
package core

// HX711 and HX717 both need 200ns minimum clock high/low time.
var minPulseTicks = NsecsToTicks(200)

// Power-down reset hold. HX717 needs 100us, HX711 60us.
var powerdownTicks = NsecsToTicks(150000)

// pulseClocks raises the ready chips' clock lines together, holds the
// minimum pulse width, then lowers them together. Interrupts stay off for
// the whole pulse so the high time cannot stretch past the converters'
// power-down threshold.
func pulseClocks(sclk []GPIOPin, ready []bool) {
	state := disableInterrupts()
	start := GetTime()
	gpio := MustGPIO()
	for i, pin := range sclk {
		if ready[i] {
			_ = gpio.SetPin(pin, true)
		}
	}
	bitbangWait(start, minPulseTicks)
	for i, pin := range sclk {
		if ready[i] {
			_ = gpio.SetPin(pin, false)
		}
	}
	restoreInterrupts(state)
}

// syncPulse holds every clock line high long enough to power the chips
// down, then releases them, so multiple converters restart in phase.
func syncPulse(sclk []GPIOPin) {
	gpio := MustGPIO()
	for _, pin := range sclk {
		_ = gpio.SetPin(pin, true)
	}
	bitbangWait(GetTime(), powerdownTicks)
	for _, pin := range sclk {
		_ = gpio.SetPin(pin, false)
	}
}

// signExtend24 converts a raw 24-bit two's complement value to int32.
func signExtend24(raw uint32) int32 {
	return int32(raw^0x800000) - 0x800000
}

//go:build tinygo

package core

// bitbangWait busy-waits until ticks have elapsed since start.
func bitbangWait(start uint32, ticks uint32) {
	for GetTime()-start < ticks {
	}
}

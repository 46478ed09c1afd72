//go:build !tinygo

package core

// State mirrors the interrupt state token on hardware builds.
type State uintptr

// disableInterrupts is a no-op on regular Go builds (tests run single
// threaded through the task functions).
func disableInterrupts() State {
	return 0
}

// restoreInterrupts is a no-op on regular Go builds.
func restoreInterrupts(state State) {
}

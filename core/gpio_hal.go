package core

// GPIOPin identifies a hardware GPIO pin number.
type GPIOPin uint32

// GPIODriver is the abstract GPIO interface used by the protocol objects.
// Target code registers the real implementation; tests register mocks.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output.
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInput configures a pin as a floating digital input.
	ConfigureInput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as an input with pull-up.
	ConfigureInputPullUp(pin GPIOPin) error

	// ConfigureInputPullDown configures a pin as an input with pull-down.
	ConfigureInputPullDown(pin GPIOPin) error

	// SetPin drives the pin high (true) or low (false).
	SetPin(pin GPIOPin, value bool) error

	// GetPin reads the pin state.
	GetPin(pin GPIOPin) (bool, error)

	// ReadPin reads the pin state without an error path. Bit-bang read
	// loops use this; a pin that was configured cannot fail to read.
	ReadPin(pin GPIOPin) bool
}

var gpioDriver GPIODriver

// SetGPIODriver registers the platform GPIO driver.
func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the registered driver or panics.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}

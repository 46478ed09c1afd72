package core

// SPIBusID identifies a hardware SPI bus configuration.
type SPIBusID uint8

// SPIMode is the SPI clock polarity/phase (0-3). The ADS1220 requires
// mode 1 (clock idle low, sample on falling edge).
type SPIMode uint8

// SPIConfig holds one bus configuration.
type SPIConfig struct {
	BusID SPIBusID
	Mode  SPIMode
	Rate  uint32 // clock rate in Hz
}

// SPIDriver is the abstract hardware SPI interface. Target code registers
// the real implementation; tests register mocks.
type SPIDriver interface {
	// ConfigureBus sets up a bus and returns an opaque handle for it.
	ConfigureBus(config SPIConfig) (interface{}, error)

	// Transfer clocks txData out while reading len(txData) bytes into
	// rxData.
	Transfer(busHandle interface{}, txData []byte, rxData []byte) error

	// GetBusInfo describes the available buses.
	GetBusInfo() map[SPIBusID]string
}

var spiDriver SPIDriver

// SetSPIDriver registers the platform SPI driver.
func SetSPIDriver(d SPIDriver) {
	spiDriver = d
}

// MustSPI returns the registered driver or panics.
func MustSPI() SPIDriver {
	if spiDriver == nil {
		panic("SPI driver not configured")
	}
	return spiDriver
}

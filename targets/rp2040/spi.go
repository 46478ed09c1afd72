//go:build rp2040

package main

import (
	"errors"
	"sync"

	"machine"

	"goscale/core"
)

// RP2040 SPI bus pin assignments. Bus ids follow Klipper's RP2040
// spi bus enumeration so host pin maps carry over.
type spiBusConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
	name string
}

var rp2040SPIBuses = map[core.SPIBusID]spiBusConfig{
	0: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0, name: "spi0a"},
	1: {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4, name: "spi0b"},
	2: {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16, name: "spi0c"},
	3: {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20, name: "spi0d"},
	4: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8, name: "spi1a"},
	5: {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12, name: "spi1b"},
	6: {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24, name: "spi1c"},
}

// RP2040SPIDriver implements core.SPIDriver using machine.SPI.
type RP2040SPIDriver struct {
	mu              sync.Mutex
	configuredBuses map[core.SPIBusID]*spiInstance
}

type spiInstance struct {
	spi   *machine.SPI
	busID core.SPIBusID
	mode  core.SPIMode
	rate  uint32
}

// NewRP2040SPIDriver creates the RP2040 SPI driver.
func NewRP2040SPIDriver() *RP2040SPIDriver {
	return &RP2040SPIDriver{
		configuredBuses: make(map[core.SPIBusID]*spiInstance),
	}
}

func (d *RP2040SPIDriver) ConfigureBus(config core.SPIConfig) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inst, exists := d.configuredBuses[config.BusID]; exists {
		if inst.mode == config.Mode && inst.rate == config.Rate {
			return inst, nil
		}
	}

	busConfig, exists := rp2040SPIBuses[config.BusID]
	if !exists {
		return nil, errors.New("invalid SPI bus ID")
	}
	if config.Mode > 3 {
		return nil, errors.New("invalid SPI mode")
	}

	err := busConfig.spi.Configure(machine.SPIConfig{
		Frequency: config.Rate,
		SCK:       busConfig.sck,
		SDO:       busConfig.mosi,
		SDI:       busConfig.miso,
		Mode:      uint8(config.Mode),
	})
	if err != nil {
		return nil, err
	}

	inst := &spiInstance{
		spi:   busConfig.spi,
		busID: config.BusID,
		mode:  config.Mode,
		rate:  config.Rate,
	}
	d.configuredBuses[config.BusID] = inst
	return inst, nil
}

func (d *RP2040SPIDriver) Transfer(busHandle interface{}, txData []byte, rxData []byte) error {
	inst, ok := busHandle.(*spiInstance)
	if !ok {
		return errors.New("invalid SPI bus handle")
	}
	if len(txData) != len(rxData) {
		return errors.New("tx and rx buffer lengths must match")
	}
	return inst.spi.Tx(txData, rxData)
}

func (d *RP2040SPIDriver) GetBusInfo() map[core.SPIBusID]string {
	info := make(map[core.SPIBusID]string)
	for id, config := range rp2040SPIBuses {
		info[id] = config.name
	}
	return info
}

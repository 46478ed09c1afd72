// Package mcu manages the host side of a sensor board connection:
// serial link, identify/dictionary bootstrap, and name-based command
// dispatch.
package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"goscale/host/serial"
	"goscale/protocol"
)

// MCU is a connection to a load-cell sensor board.
type MCU struct {
	transport *protocol.HostTransport
	port      serial.Port

	dictionary     *Dictionary
	dictionaryData []byte
	commandIDs     map[string]uint16
	responseIDs    map[string]uint16
	responseNames  map[uint16]string

	connected bool
}

// Dictionary is the parsed board dictionary.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// NewMCU creates an MCU instance; call Connect to open the link.
func NewMCU() *MCU {
	return &MCU{}
}

// Connect opens the serial device with default settings.
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens the serial device.
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	m.port = port
	m.transport = protocol.NewHostTransport(port)
	m.connected = true

	// let the board finish booting if it just powered on
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Close closes the connection.
func (m *MCU) Close() error {
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			return err
		}
	}
	m.connected = false
	return nil
}

// SetResponseHandler installs the callback for asynchronous responses
// (bulk sample blocks, shutdown notices).
func (m *MCU) SetResponseHandler(handler func(cmdID uint16, data *[]byte) error) {
	m.transport.SetResponseHandler(handler)
}

// RetrieveDictionary fetches the dictionary in chunks via the identify
// command, decompresses it, and parses it.
func (m *MCU) RetrieveDictionary() error {
	if !m.connected {
		return fmt.Errorf("not connected")
	}

	var dictBuffer bytes.Buffer
	offset := uint32(0)
	chunkSize := uint8(40)
	maxIterations := 1000

	for i := 0; i < maxIterations; i++ {
		chunk, err := m.sendIdentify(offset, chunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			break
		}

		dictBuffer.Write(chunk)
		offset += uint32(len(chunk))

		if len(chunk) < int(chunkSize) {
			break
		}
	}

	m.dictionaryData = dictBuffer.Bytes()

	if decompressed, err := decompress(m.dictionaryData); err == nil {
		m.dictionaryData = decompressed
	}

	if err := m.parseDictionary(); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	return nil
}

// sendIdentify requests one dictionary chunk. The identify command is
// id 1 and identify_response id 0 on every board, which is what makes
// the bootstrap possible before the dictionary is known.
func (m *MCU) sendIdentify(offset uint32, count uint8) ([]byte, error) {
	err := m.transport.SendCommand(1, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	resp, err := m.transport.ReceiveResponse(1 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to receive identify response: %w", err)
	}

	payload := resp.Payload

	cmdID, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response command ID: %w", err)
	}
	if cmdID != 0 {
		return nil, fmt.Errorf("unexpected response command ID: %d (expected 0)", cmdID)
	}

	respOffset, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}

	data, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return data, nil
}

// decompress inflates a zlib-framed dictionary. Boards may also send
// raw JSON; the caller falls back to the original bytes on error.
func decompress(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x78 {
		return nil, fmt.Errorf("not zlib compressed")
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (m *MCU) parseDictionary() error {
	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	m.dictionary = dict

	// dictionary entries are full format strings ("name arg=%c ...");
	// commands are addressed by the leading name
	m.commandIDs = make(map[string]uint16, len(dict.Commands))
	for format, id := range dict.Commands {
		m.commandIDs[formatName(format)] = uint16(id)
	}
	m.responseIDs = make(map[string]uint16, len(dict.Responses))
	m.responseNames = make(map[uint16]string, len(dict.Responses))
	for format, id := range dict.Responses {
		name := formatName(format)
		m.responseIDs[name] = uint16(id)
		m.responseNames[uint16(id)] = name
	}
	return nil
}

// formatName extracts the command name from a dictionary format string.
func formatName(format string) string {
	if i := strings.IndexByte(format, ' '); i >= 0 {
		return format[:i]
	}
	return format
}

// GetDictionary returns the parsed dictionary.
func (m *MCU) GetDictionary() *Dictionary {
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary bytes.
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// ResponseName maps a response id back to its name, or "".
func (m *MCU) ResponseName(id uint16) string {
	return m.responseNames[id]
}

// ResponseID looks up a response id by name.
func (m *MCU) ResponseID(name string) (uint16, bool) {
	id, ok := m.responseIDs[name]
	return id, ok
}

// ReceiveResponse waits for the next response message from the board.
func (m *MCU) ReceiveResponse(timeout time.Duration) (*protocol.Message, error) {
	if !m.connected {
		return nil, fmt.Errorf("not connected")
	}
	return m.transport.ReceiveResponse(timeout)
}

// SendCommand sends a command by dictionary name.
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if !m.connected {
		return fmt.Errorf("not connected")
	}
	if m.dictionary == nil {
		return fmt.Errorf("dictionary not loaded")
	}

	cmdID, ok := m.commandIDs[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	return m.transport.SendCommand(cmdID, args)
}

// IsConnected reports whether the link is open.
func (m *MCU) IsConnected() bool {
	return m.connected
}

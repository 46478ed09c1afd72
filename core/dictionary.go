package core

import (
	"bytes"
	"sync"

	"goscale/tinycompress"
)

// Constant is one firmware constant exposed to the host.
type Constant struct {
	Name  string
	Value interface{}
}

// Enumeration maps symbolic names (pin names and the like) to values.
type Enumeration struct {
	Name   string
	Values []string
}

// Dictionary builds the data dictionary served through identify.
type Dictionary struct {
	mu            sync.RWMutex
	constants     map[string]*Constant
	enumerations  map[string]*Enumeration
	commandReg    *CommandRegistry
	version       string
	buildVersions string
	cachedDict    []byte // zlib-framed JSON, built once after registration
}

var globalDictionary = NewDictionary(globalRegistry)

func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:     make(map[string]*Constant),
		enumerations:  make(map[string]*Enumeration),
		commandReg:    cmdReg,
		version:       "goscale-0.1.0",
		buildVersions: "go-tinygo",
	}
}

// RegisterConstant adds a constant to the global dictionary.
func RegisterConstant(name string, value interface{}) {
	globalDictionary.AddConstant(name, value)
}

// RegisterEnumeration adds an enumeration to the global dictionary.
func RegisterEnumeration(name string, values []string) {
	globalDictionary.AddEnumeration(name, values)
}

func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = &Constant{Name: name, Value: value}
}

func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Copy; TinyGo's GC may reclaim the caller's slice.
	valuesCopy := make([]string, len(values))
	copy(valuesCopy, values)

	d.enumerations[name] = &Enumeration{Name: name, Values: valuesCopy}
}

// SetVersion sets the firmware version string.
func (d *Dictionary) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
}

// SetBuildVersions sets the build versions string.
func (d *Dictionary) SetBuildVersions(versions string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildVersions = versions
}

// BuildDictionary builds and caches the compressed dictionary. Call after
// all commands and constants are registered.
func (d *Dictionary) BuildDictionary() {
	// Fetch registry data before taking the dictionary lock; the registry
	// lock must never be acquired while this lock is held.
	commands, responses := d.commandReg.GetCommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()

	jsonData := d.buildJSONLockedWithData(commands, responses)

	var buf bytes.Buffer
	w := tinycompress.NewWriter(&buf)
	if _, err := w.Write(jsonData); err != nil {
		d.cachedDict = jsonData
		return
	}
	if err := w.Close(); err != nil {
		d.cachedDict = jsonData
		return
	}

	compressed := buf.Bytes()
	if len(compressed) == 0 {
		d.cachedDict = jsonData
		return
	}
	d.cachedDict = make([]byte, len(compressed))
	copy(d.cachedDict, compressed)
}

// Generate returns the dictionary bytes, cached if available.
func (d *Dictionary) Generate() []byte {
	if d.cachedDict != nil {
		return d.cachedDict
	}
	return d.generateJSON()
}

func (d *Dictionary) generateJSON() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	commands, responses := d.commandReg.GetCommandsAndResponses()
	return d.buildJSONLockedWithData(commands, responses)
}

// sortStrings orders names without the sort package (TinyGo code size).
func sortStrings(names []string) {
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[i] > names[j] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
}

func sortInts(ids []int) {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
}

// buildJSONLockedWithData assembles the JSON dictionary by hand; caller
// holds the dictionary lock.
func (d *Dictionary) buildJSONLockedWithData(commands map[string]int, responses map[string]int) []byte {
	result := make([]byte, 0, 1024)

	result = append(result, []byte(`{"version":"`)...)
	result = append(result, []byte(d.version)...)
	result = append(result, []byte(`","build_versions":"`)...)
	result = append(result, []byte(d.buildVersions)...)
	result = append(result, []byte(`","config":{`)...)

	constNames := make([]string, 0, len(d.constants))
	for name := range d.constants {
		constNames = append(constNames, name)
	}
	sortStrings(constNames)

	first := true
	for _, name := range constNames {
		c := d.constants[name]
		if !first {
			result = append(result, ',')
		}
		result = append(result, '"')
		result = append(result, []byte(name)...)
		result = append(result, []byte(`":"`)...)
		result = append(result, []byte(valueToString(c.Value))...)
		result = append(result, '"')
		first = false
	}
	result = append(result, []byte(`},"commands":{`)...)
	result = appendIDMap(result, commands)
	result = append(result, []byte(`},"responses":{`)...)
	result = appendIDMap(result, responses)
	result = append(result, '}')

	if len(d.enumerations) > 0 {
		result = append(result, []byte(`,"enumerations":{`)...)

		enumNames := make([]string, 0, len(d.enumerations))
		for name := range d.enumerations {
			enumNames = append(enumNames, name)
		}
		sortStrings(enumNames)

		firstEnum := true
		for _, name := range enumNames {
			enum := d.enumerations[name]
			if !firstEnum {
				result = append(result, ',')
			}
			result = append(result, '"')
			result = append(result, []byte(name)...)
			result = append(result, []byte(`":{`)...)

			firstValue := true
			for i, value := range enum.Values {
				if value == "" {
					continue
				}
				if !firstValue {
					result = append(result, ',')
				}
				result = append(result, '"')
				result = append(result, []byte(value)...)
				result = append(result, []byte(`":`)...)
				result = append(result, []byte(itoa(i))...)
				firstValue = false
			}
			result = append(result, '}')
			firstEnum = false
		}
		result = append(result, '}')
	}

	result = append(result, '}')
	return result
}

// appendIDMap writes a {"format":id,...} body sorted by id.
func appendIDMap(result []byte, entries map[string]int) []byte {
	ids := make([]int, 0, len(entries))
	for _, id := range entries {
		ids = append(ids, id)
	}
	sortInts(ids)

	first := true
	for _, id := range ids {
		for format, entryID := range entries {
			if entryID != id {
				continue
			}
			if !first {
				result = append(result, ',')
			}
			result = append(result, '"')
			result = append(result, []byte(format)...)
			result = append(result, []byte(`":`)...)
			result = append(result, []byte(itoa(entryID))...)
			first = false
			break
		}
	}
	return result
}

// GetChunk returns dictionary bytes [offset, offset+count) for identify.
func (d *Dictionary) GetChunk(offset uint32, count uint8) []byte {
	data := d.Generate()
	if len(data) == 0 || offset >= uint32(len(data)) {
		return []byte{}
	}

	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	if end <= offset {
		return []byte{}
	}

	// Copy; the USB path must not alias the cached dictionary.
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}

// GetGlobalDictionary returns the global dictionary instance.
func GetGlobalDictionary() *Dictionary {
	return globalDictionary
}

// valueToString renders a constant value for the JSON config block.
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return itoa(val)
	case uint32:
		return utoa(val)
	case uint16:
		return utoa(uint32(val))
	case uint8:
		return utoa(uint32(val))
	case int32:
		return itoa(int(val))
	default:
		return ""
	}
}

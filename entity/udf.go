package entity

import "encoding/json"

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NotifyLevel maps a UDF log level to the notification level used when forwarding it.
func (l LogLevel) NotifyLevel() int {
	switch l {
	case LogLevelDebug:
		return NotifyLevelDebug
	case LogLevelWarn:
		return NotifyLevelWarn
	case LogLevelError:
		return NotifyLevelError
	default:
		return NotifyLevelInfo
	}
}

// LogEntry is a single console call made by user code during one sandbox request.
type LogEntry struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Symbol describes one export of a compiled module. Value is only set for non-function exports.
type Symbol struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// SymbolDescriptor maps export names to their descriptions.
type SymbolDescriptor map[string]Symbol

// Functions returns the names of all exported functions.
func (s SymbolDescriptor) Functions() []string {
	var names []string
	for name, sym := range s {
		if sym.Type == "function" {
			names = append(names, name)
		}
	}
	return names
}

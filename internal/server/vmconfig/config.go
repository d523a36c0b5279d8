// Package vmconfig defines the persisted, user-editable configuration of
// the virtual machine: a fixed six-field schema validated strictly on the
// way in. Unknown keys are rejected so every schema addition is an explicit
// code change.
package vmconfig

import (
	"encoding/json"
	"fmt"
)

// MinMemoryBytes is the smallest acceptable guest memory size.
const MinMemoryBytes = 128 << 20

// Config is the full VM configuration. Exactly these six top-level fields
// exist on disk and on the wire.
type Config struct {
	CPU      int64    `json:"cpu"`
	Memory   int64    `json:"memory"`
	Boot     Boot     `json:"boot"`
	Disk     Disk     `json:"disk"`
	Network  Network  `json:"network"`
	Graphics Graphics `json:"graphics"`
}

// Boot selects the guest boot method.
type Boot struct {
	Loader      string  `json:"loader"`
	KernelPath  *string `json:"kernelPath"`
	InitrdPath  *string `json:"initrdPath"`
	CommandLine *string `json:"commandLine"`
}

// Disk describes the root disk attachment.
type Disk struct {
	Path    *string `json:"path"`
	SizeMiB *int64  `json:"sizeMiB"`
}

// Network selects the guest networking mode.
type Network struct {
	Mode string `json:"mode"`
}

// Graphics describes the display configuration.
type Graphics struct {
	Enabled bool  `json:"enabled"`
	Width   int64 `json:"width"`
	Height  int64 `json:"height"`
}

// Default returns the configuration used when no config file exists yet.
func Default() Config {
	size := int64(8192)
	return Config{
		CPU:      2,
		Memory:   2 << 30,
		Boot:     Boot{Loader: "linux"},
		Disk:     Disk{SizeMiB: &size},
		Network:  Network{Mode: "shared"},
		Graphics: Graphics{Enabled: true, Width: 1280, Height: 800},
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	clone := c
	clone.Boot.KernelPath = cloneStr(c.Boot.KernelPath)
	clone.Boot.InitrdPath = cloneStr(c.Boot.InitrdPath)
	clone.Boot.CommandLine = cloneStr(c.Boot.CommandLine)
	clone.Disk.Path = cloneStr(c.Disk.Path)
	clone.Disk.SizeMiB = cloneInt(c.Disk.SizeMiB)
	return clone
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ValidationError names the first field that failed validation. Its message
// is surfaced to clients verbatim under the invalid-params error code.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// topLevelFields enumerates the schema in validation-report order; nested
// key order follows the same convention.
var topLevelFields = []string{"cpu", "memory", "boot", "disk", "network", "graphics"}

var nestedFields = map[string][]string{
	"boot":     {"loader", "kernelPath", "initrdPath", "commandLine"},
	"network":  {"mode"},
	"disk":     {"path", "sizeMiB"},
	"graphics": {"enabled", "width", "height"},
}

// Parse decodes data into a Config, enforcing the full schema: all six
// top-level keys present, no unknown keys anywhere, types and bounds as
// checked by Validate.
func Parse(data []byte) (Config, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(raw); err != nil {
		return Config{}, err
	}
	return fromRaw(raw)
}

// Validate checks a decoded JSON object against the full schema. It is
// total: any JSON object is either accepted or rejected with the first
// offending field named.
func Validate(raw map[string]any) error {
	for _, key := range topLevelFields {
		if _, ok := raw[key]; !ok {
			return invalid(key, "%s is required", key)
		}
	}
	if err := rejectUnknown("", raw, topLevelFields); err != nil {
		return err
	}
	for _, key := range topLevelFields {
		if err := validateField(key, raw[key], true); err != nil {
			return err
		}
	}
	return nil
}

// validateField checks one top-level field. When full is true every nested
// key must be present; when false (patch mode) nested objects may be
// partial but may not introduce keys.
func validateField(key string, value any, full bool) error {
	switch key {
	case "cpu":
		if !isIntAtLeast(value, 1) {
			return invalid("cpu", "cpu must be an integer >= 1")
		}
	case "memory":
		if !isIntAtLeast(value, MinMemoryBytes) {
			return invalid("memory", "memory must be an integer >= %d", MinMemoryBytes)
		}
	case "boot", "disk", "network", "graphics":
		obj, ok := value.(map[string]any)
		if !ok {
			return invalid(key, "%s must be an object", key)
		}
		fields := nestedFields[key]
		if full {
			for _, f := range fields {
				if _, ok := obj[f]; !ok {
					return invalid(key+"."+f, "%s.%s is required", key, f)
				}
			}
		}
		if err := rejectUnknown(key, obj, fields); err != nil {
			return err
		}
		for _, f := range fields {
			v, ok := obj[f]
			if !ok {
				continue
			}
			if err := validateLeaf(key, f, v); err != nil {
				return err
			}
		}
	default:
		return invalid(key, "unknown field %q", key)
	}
	return nil
}

func validateLeaf(parent, field string, value any) error {
	path := parent + "." + field
	switch path {
	case "boot.loader":
		if _, ok := value.(string); !ok {
			return invalid(path, "boot.loader must be a string")
		}
	case "boot.kernelPath", "boot.initrdPath", "boot.commandLine":
		if value != nil {
			if _, ok := value.(string); !ok {
				return invalid(path, "%s must be a string or null", path)
			}
		}
	case "disk.path":
		if value != nil {
			if _, ok := value.(string); !ok {
				return invalid(path, "disk.path must be a string or null")
			}
		}
	case "disk.sizeMiB":
		if value != nil && !isIntAtLeast(value, 64) {
			return invalid(path, "disk.sizeMiB must be an integer >= 64 or null")
		}
	case "network.mode":
		if _, ok := value.(string); !ok {
			return invalid(path, "network.mode must be a string")
		}
	case "graphics.enabled":
		if _, ok := value.(bool); !ok {
			return invalid(path, "graphics.enabled must be a boolean")
		}
	case "graphics.width":
		if !isIntAtLeast(value, 64) {
			return invalid(path, "graphics.width must be an integer >= 64")
		}
	case "graphics.height":
		if !isIntAtLeast(value, 64) {
			return invalid(path, "graphics.height must be an integer >= 64")
		}
	}
	return nil
}

func rejectUnknown(parent string, obj map[string]any, allowed []string) error {
	set := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		set[f] = struct{}{}
	}
	for key := range obj {
		if _, ok := set[key]; !ok {
			path := key
			if parent != "" {
				path = parent + "." + key
			}
			return invalid(path, "unknown field %q", path)
		}
	}
	return nil
}

// isIntAtLeast accepts json.Number or float64 encodings of an integral
// value >= min.
func isIntAtLeast(value any, min int64) bool {
	n, ok := asInt(value)
	return ok && n >= min
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return 0, false
		}
		return n, true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// decodeObject parses data as a single JSON object with number fidelity.
func decodeObject(data []byte) (map[string]any, error) {
	var raw any
	dec := newNumberDecoder(data)
	if err := dec.Decode(&raw); err != nil {
		return nil, invalid("", "configuration must be a JSON object")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid("", "configuration must be a JSON object")
	}
	return obj, nil
}

// fromRaw converts a validated raw object into the typed Config.
func fromRaw(raw map[string]any) (Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("vmconfig: encode: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vmconfig: decode: %w", err)
	}
	return cfg, nil
}

// ToRaw converts a typed Config to its raw JSON-object form, the shape the
// patch merge operates on.
func ToRaw(c Config) map[string]any {
	data, _ := json.Marshal(c)
	raw, _ := decodeObject(data)
	return raw
}

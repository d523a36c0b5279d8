package vmconfig

import (
	"bytes"
	"encoding/json"
)

func newNumberDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

// ParsePatch decodes and validates a sparse configuration patch: top-level
// keys must be a subset of the schema, nested objects may be partial, and
// no leaf may be introduced that the schema does not already name. Every
// present leaf is validated against the same bounds as a full config.
func ParsePatch(data []byte) (map[string]any, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if err := ValidatePatch(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ValidatePatch checks an already-decoded sparse patch object.
func ValidatePatch(raw map[string]any) error {
	if err := rejectUnknown("", raw, topLevelFields); err != nil {
		return err
	}
	for _, key := range topLevelFields {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := validateField(key, value, false); err != nil {
			return err
		}
	}
	return nil
}

// Merge deep-merges patch into base and returns the result: objects
// recurse, scalars and arrays replace. Neither input is mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, ok := out[k]
		pm, pIsMap := pv.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if ok && pIsMap && bIsMap {
			out[k] = Merge(bm, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// Apply merges patch into base and re-validates the result as a full
// configuration.
func Apply(base Config, patch map[string]any) (Config, error) {
	merged := Merge(ToRaw(base), patch)
	if err := Validate(merged); err != nil {
		return Config{}, err
	}
	return fromRaw(merged)
}

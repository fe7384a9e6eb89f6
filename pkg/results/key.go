package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EmptyKey is the key of the empty parameter set.
const EmptyKey = "{}"

// Params is one parameter set of a trait.
type Params map[string]any

// Key returns the canonical key of p. See ParamKey.
func (p Params) Key() (string, error) {
	return ParamKey(p)
}

// ParamKey canonicalises a parameter set to compact JSON with sorted object keys at
// every level, independent of construction order. An empty or nil set is "{}".
func ParamKey(params map[string]any) (string, error) {
	if len(params) == 0 {
		return EmptyKey, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return "", fmt.Errorf("failed to encode parameters: %w", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// ParseKey decodes a canonical key back into parameters.
func ParseKey(key string) (Params, error) {
	params := Params{}
	dec := json.NewDecoder(strings.NewReader(key))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid parameter key %q: %w", key, err)
	}
	return params, nil
}

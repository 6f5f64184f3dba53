package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseParameters reads "name=value" pairs.
func parseParameters(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(values))

	for _, value := range values {
		name, raw, ok := strings.Cut(value, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", value)
		}

		params[name] = parseValue(raw)
	}

	return params, nil
}

func parseValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}

	return raw
}

// Package steps holds helpers shared by the built-in step types.
package steps

import (
	"fmt"

	"github.com/dukex/cadmaflow/pkg/models"
)

// ProviderParameter is the step parameter that names the provider to call.
const ProviderParameter = "provider"

// ProviderParameters returns params without the keys the step itself reads.
// What remains is handed to the provider.
func ProviderParameters(params map[string]any, own ...string) map[string]any {
	out := make(map[string]any, len(params))

	for k, v := range params {
		out[k] = v
	}

	delete(out, ProviderParameter)

	for _, k := range own {
		delete(out, k)
	}

	return out
}

// RequiredString reads a non-empty string parameter.
func RequiredString(params map[string]any, name string) (string, error) {
	value, _ := params[name].(string)
	if value == "" {
		return "", fmt.Errorf("%w: missing required parameter '%s'", models.ErrValidation, name)
	}

	return value, nil
}

// OptionalString reads a string parameter, or def when absent.
func OptionalString(params map[string]any, name, def string) string {
	if value, ok := params[name].(string); ok && value != "" {
		return value
	}

	return def
}

// OptionalNumber reads a numeric parameter.
func OptionalNumber(params map[string]any, name string) (float64, bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	default:
		return 0, false, fmt.Errorf("%w: parameter '%s' must be a number", models.ErrValidation, name)
	}
}

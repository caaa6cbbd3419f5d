// Package parameters parses the free-form model hyperparameters given on the command line as
// "key=value,key=value", and converts them to the types of their defaults.
package parameters

import (
	"slices"
	"strconv"
	"strings"

	"github.com/janpfeifer/gateaffinity/internal/generics"
	"github.com/pkg/errors"
)

// Params maps hyperparameter names to their unparsed values.
type Params map[string]string

// Value types a parameter can be converted to.
type Value interface {
	bool | int | float64 | string
}

// Parse a "key=value,key=value" string. A key without "=" is set to the empty value, which for booleans means
// true. Spaces around keys and values are trimmed, and an empty string returns empty Params.
func Parse(config string) (Params, error) {
	params := make(Params)
	if strings.TrimSpace(config) == "" {
		return params, nil
	}
	for _, part := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("hyperparameter without a name in %q", config)
		}
		if _, found := params[key]; found {
			return nil, errors.Errorf("hyperparameter %q given more than once in %q", key, config)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}

// Keys returns the sorted names of the parameters.
func (p Params) Keys() []string {
	return slices.Collect(generics.SortedKeys(p))
}

// Get converts the value of key to the type of defaultValue, or returns defaultValue if key is not set.
func Get[T Value](params Params, key string, defaultValue T) (T, error) {
	value, found := params[key]
	if !found {
		return defaultValue, nil
	}
	var (
		parsed any
		err    error
	)
	switch any(defaultValue).(type) {
	case string:
		parsed = value
	case bool:
		if value == "" {
			parsed = true
		} else {
			parsed, err = strconv.ParseBool(value)
		}
	case int:
		parsed, err = strconv.Atoi(value)
	case float64:
		parsed, err = strconv.ParseFloat(value, 64)
	}
	if err != nil {
		return defaultValue, errors.Wrapf(err, "invalid value %q for %q (%T)", value, key, defaultValue)
	}
	return parsed.(T), nil
}

// Pop is like Get, but it also removes key from params, so the parameters left over can be reported as unknown.
func Pop[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := Get(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

package httputil

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/grafana/regexp"
)

// QueryFloat returns the float value of key, or fallback when the parameter
// is absent.
func QueryFloat(q url.Values, key string, fallback float64) (float64, error) {
	raw := q.Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("expected %s query parameter to be a number", key)
	}
	return v, nil
}

func QueryBool(q url.Values, key string, fallback bool) (bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("expected %s query parameter to be a boolean", key)
	}
	return v, nil
}

// QueryRegexp compiles the value of key. An absent parameter keeps
// fallback; an empty one clears it.
func QueryRegexp(q url.Values, key string, fallback *regexp.Regexp) (*regexp.Regexp, error) {
	values, ok := q[key]
	if !ok {
		return fallback, nil
	}
	if len(values) == 0 || values[0] == "" {
		return nil, nil
	}
	re, err := regexp.Compile(values[0])
	if err != nil {
		return nil, fmt.Errorf("expected %s query parameter to be a regular expression: %w", key, err)
	}
	return re, nil
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotInteger is returned when a raw JSON value cannot be read as an integer
var ErrNotInteger = errors.New("value is not an integer")

// IsAbsent reports whether a raw JSON value is missing or null
func IsAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Int coerces a raw JSON scalar to an int. Numbers are truncated toward zero,
// strings must hold a base-10 integer and booleans map to 0 or 1. present is
// false when the value is missing or null.
func Int(raw json.RawMessage) (n int, present bool, err error) {
	if IsAbsent(raw) {
		return 0, false, nil
	}

	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, true, fmt.Errorf("%w: %v", ErrNotInteger, err)
	}

	n, err = intFrom(v)
	return n, true, err
}

// IntValue coerces an already decoded JSON value (as produced by a decoder
// with UseNumber) to an int using the same rules as Int.
func IntValue(v interface{}) (int, error) {
	return intFrom(v)
}

func intFrom(v interface{}) (int, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %s", ErrNotInteger, t.String())
		}
		return int(math.Trunc(f)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("%w: %v", ErrNotInteger, t)
		}
		return int(math.Trunc(t)), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotInteger, t)
		}
		return i, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotInteger, v)
	}
}

// scalarString renders a JSON string or number as text. Numbers keep their
// literal form so task 42 stays "42".
func scalarString(raw json.RawMessage) (string, bool) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false
	}

	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

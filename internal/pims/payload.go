package pims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// decodeObject decodes JSON keeping numbers as json.Number so numeric ids survive
func decodeObject(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

// appointmentItems accepts a bare array or one wrapped under appointments, data or events
func appointmentItems(body []byte) ([]map[string]any, error) {
	var raw any
	if err := decodeObject(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid appointments payload: %w", err)
	}

	switch v := raw.(type) {
	case []any:
		return toObjects(v), nil
	case map[string]any:
		for _, key := range []string{"appointments", "data", "events"} {
			if list, ok := v[key].([]any); ok {
				return toObjects(list), nil
			}
		}
		return nil, fmt.Errorf("invalid appointments payload: no appointments, data or events array")
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid appointments payload: unexpected %T", raw)
	}
}

func toObjects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// str returns the first non-empty value among keys, stringifying numbers
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func boolean(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v
		case json.Number:
			return v.String() != "0"
		case string:
			b, err := strconv.ParseBool(v)
			if err == nil {
				return b
			}
			return v == "1" || strings.EqualFold(v, "yes")
		}
	}
	return false
}

func number(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func object(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if o, ok := m[k].(map[string]any); ok {
			return o
		}
	}
	return nil
}

// parseRemoteTime parses the remote's local-time layout in loc, accepting RFC 3339 too
func parseRemoteTime(value, layout string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.ParseInLocation(layout, value, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

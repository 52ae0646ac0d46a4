package suppliers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one decoded vendor event object.
type Event map[string]interface{}

// Type returns the vendor event type from eventType or event.
func (e Event) Type() string {
	if t := getString(e["eventType"]); t != "" {
		return t
	}
	return getString(e["event"])
}

// Value walks nested objects by key.
func (e Event) Value(path ...string) interface{} {
	var current interface{} = map[string]interface{}(e)
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

func (e Event) String(path ...string) string {
	return getString(e.Value(path...))
}

func (e Event) Map(path ...string) map[string]interface{} {
	return extractMap(e.Value(path...))
}

func (e Event) Time(path ...string) (time.Time, bool) {
	return parseTime(e.Value(path...))
}

// DecodeEvents accepts a single event object or an array of them.
func DecodeEvents(body []byte) ([]Event, error) {
	raw, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	return extractEvents(raw), nil
}

// decodeJSON keeps numbers as json.Number so large numeric ids survive intact.
func decodeJSON(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	return raw, nil
}

func extractEvents(raw interface{}) []Event {
	switch v := raw.(type) {
	case []interface{}:
		events := make([]Event, 0, len(v))
		for _, item := range v {
			events = append(events, Event(extractMap(item)))
		}
		return events
	case map[string]interface{}:
		if len(v) == 0 {
			return nil
		}
		return []Event{Event(v)}
	default:
		return nil
	}
}

func extractMap(value interface{}) map[string]interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func getString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime accepts ISO-8601 strings and unix seconds.
func parseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
	case json.Number:
		if secs, err := val.Int64(); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
		if secs, err := val.Float64(); err == nil {
			return time.Unix(int64(secs), 0).UTC(), true
		}
	case float64:
		return time.Unix(int64(val), 0).UTC(), true
	case int64:
		return time.Unix(val, 0).UTC(), true
	}
	return time.Time{}, false
}

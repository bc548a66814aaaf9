package drivesync

import (
	"encoding/json"
	"time"
)

// Metadata keys the scheduler interprets. Values round-trip through JSON, so
// timestamps are RFC 3339 strings and the interval is milliseconds.
const (
	MetaUpdatedAt      = "updatedAt"
	MetaUpdateInterval = "updateInterval"
	MetaFileID         = "fileId"
	MetaFileName       = "fileName"
	MetaFileHash       = "hash"
)

// Task is a named unit of work. Tasks with an updateInterval recur; tasks
// without one are one-shot and are deleted by their worker on success.
type Task struct {
	ID       string
	Name     string
	Tags     []string
	Metadata map[string]any
}

func (t Task) clone() Task {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	out.Metadata = cloneMetadata(t.Metadata)
	return out
}

func (t Task) matchesTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range t.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// UpdateInterval reports the recurrence interval, if any. The raw value is
// milliseconds and may arrive as any JSON number type.
func (t Task) UpdateInterval() (time.Duration, bool) {
	raw, ok := t.Metadata[MetaUpdateInterval]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case json.Number:
		ms, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(ms) * time.Millisecond, true
	default:
		return 0, false
	}
}

// UpdatedAt reports the last successful execution time, if recorded.
func (t Task) UpdatedAt() (time.Time, bool) {
	raw, ok := t.Metadata[MetaUpdatedAt]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func (t Task) metadataString(key string) string {
	value, _ := t.Metadata[key].(string)
	return value
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}

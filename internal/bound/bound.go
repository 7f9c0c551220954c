// Package bound limits the size of captured payloads before they leave the
// process.
package bound

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	// TruncationMarker is appended to every shortened string.
	TruncationMarker = "... (truncated)"
	// DepthSentinel replaces values nested deeper than MaxDepth.
	DepthSentinel = "[MAX_DEPTH_EXCEEDED]"
	// MaxDepth is the deepest level TruncateStrings descends to.
	MaxDepth = 100
)

// TruncateStrings returns a copy of data where every string longer than
// maxLength runes is cut to maxLength runes followed by TruncationMarker.
// Maps and slices are walked recursively; anything nested deeper than
// MaxDepth is replaced by DepthSentinel. A negative maxLength disables
// truncation. Non-container, non-string values are returned unchanged.
func TruncateStrings(data any, maxLength int) any {
	return truncateValue(data, maxLength, 0)
}

func truncateValue(data any, maxLength, depth int) any {
	if depth > MaxDepth {
		return DepthSentinel
	}
	switch v := data.(type) {
	case string:
		return truncateString(v, maxLength)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = truncateValue(item, maxLength, depth+1)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = truncateValue(item, maxLength, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, item := range v {
			out[key] = truncateString(item, maxLength)
		}
		return out
	default:
		return data
	}
}

func truncateString(s string, maxLength int) string {
	if maxLength < 0 || utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLength {
			return s[:i] + TruncationMarker
		}
		n++
	}
	return s
}

// BoundArray transforms each item and returns the longest prefix whose JSON
// encoding, brackets and separators included, fits in maxTotalBytes.
// Order is preserved and iteration stops at the first item that does not
// fit. A budget too small for any item yields an empty result.
func BoundArray(items []any, maxTotalBytes int, transform func(any) any) []any {
	out := make([]any, 0, len(items))
	total := 2 // "[]"
	for _, item := range items {
		if transform != nil {
			item = transform(item)
		}
		encoded, err := encode(item)
		if err != nil {
			break
		}
		size := len(encoded)
		if len(out) > 0 {
			size++ // ","
		}
		if total+size > maxTotalBytes {
			break
		}
		total += size
		out = append(out, item)
	}
	return out
}

// ProcessJSONField bounds a captured body or message. Valid JSON arrays go
// through BoundArray with per-item string truncation; other JSON values have
// their strings truncated. Input that is not JSON is truncated as plain
// text. The result is always a string and the function never panics.
func ProcessJSONField(raw string, maxLength, maxTotalBytes int) string {
	if raw == "" {
		return raw
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil || dec.More() {
		return truncateString(raw, maxLength)
	}

	var result any
	if arr, ok := parsed.([]any); ok {
		result = BoundArray(arr, maxTotalBytes, func(item any) any {
			return TruncateStrings(item, maxLength)
		})
	} else {
		result = TruncateStrings(parsed, maxLength)
	}

	encoded, err := encode(result)
	if err != nil {
		return truncateString(raw, maxLength)
	}
	return string(encoded)
}

// Size returns the JSON-encoded size of v, or -1 if it cannot be encoded.
func Size(v any) int {
	encoded, err := encode(v)
	if err != nil {
		return -1
	}
	return len(encoded)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

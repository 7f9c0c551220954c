package bound

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ashureev/tabrelay/internal/domain"
)

func TestTruncateStrings_ShortStringUnchanged(t *testing.T) {
	got := TruncateStrings("hello", 10)
	if got != "hello" {
		t.Errorf("Expected hello, got %v", got)
	}
}

func TestTruncateStrings_LongString(t *testing.T) {
	got := TruncateStrings(strings.Repeat("a", 20), 5).(string)
	want := "aaaaa" + TruncationMarker
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestTruncateStrings_LengthBound(t *testing.T) {
	inputs := []string{
		strings.Repeat("x", 1000),
		strings.Repeat("é", 300),
		"日本語のテキスト" + strings.Repeat("z", 50),
		"",
	}
	for _, in := range inputs {
		for _, maxLen := range []int{0, 1, 7, 64} {
			got := TruncateStrings(in, maxLen).(string)
			limit := maxLen + utf8.RuneCountInString(TruncationMarker)
			if n := utf8.RuneCountInString(got); n > limit {
				t.Errorf("len(%q...) = %d runes, want <= %d", got[:min(len(got), 10)], n, limit)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Expected valid UTF-8 after truncation at %d", maxLen)
			}
		}
	}
}

func TestTruncateStrings_Nested(t *testing.T) {
	data := map[string]any{
		"name": strings.Repeat("n", 10),
		"list": []any{strings.Repeat("l", 10), json.Number("42"), true},
		"deep": map[string]any{"v": strings.Repeat("d", 10)},
	}
	got := TruncateStrings(data, 3).(map[string]any)

	if got["name"] != "nnn"+TruncationMarker {
		t.Errorf("Expected truncated name, got %v", got["name"])
	}
	list := got["list"].([]any)
	if list[0] != "lll"+TruncationMarker {
		t.Errorf("Expected truncated list item, got %v", list[0])
	}
	if list[1] != json.Number("42") || list[2] != true {
		t.Errorf("Expected non-strings unchanged, got %v", list[1:])
	}
	if got["deep"].(map[string]any)["v"] != "ddd"+TruncationMarker {
		t.Errorf("Expected nested map truncated, got %v", got["deep"])
	}
	if data["name"] != strings.Repeat("n", 10) {
		t.Error("Expected input to be left untouched")
	}
}

func TestTruncateStrings_DepthSentinel(t *testing.T) {
	var root any = "leaf"
	for i := 0; i < MaxDepth+5; i++ {
		root = []any{root}
	}

	got := TruncateStrings(root, 10)
	depth := 0
	for {
		arr, ok := got.([]any)
		if !ok {
			break
		}
		got = arr[0]
		depth++
	}
	if got != DepthSentinel {
		t.Errorf("Expected %q at the bottom, got %v", DepthSentinel, got)
	}
	if depth != MaxDepth+1 {
		t.Errorf("Expected sentinel at depth %d, got %d", MaxDepth+1, depth)
	}
}

func TestBoundArray_FitsBudget(t *testing.T) {
	items := make([]any, 0, 50)
	for i := 0; i < 50; i++ {
		items = append(items, map[string]any{"i": json.Number("1"), "s": strings.Repeat("v", i)})
	}
	for _, budget := range []int{2, 10, 100, 500, 2000} {
		got := BoundArray(items, budget, nil)
		encoded, err := json.Marshal(got)
		if err != nil {
			t.Fatalf("Failed to marshal: %v", err)
		}
		if len(encoded) > budget {
			t.Errorf("budget %d: encoded size %d exceeds budget", budget, len(encoded))
		}
		for i := range got {
			if got[i].(map[string]any)["s"] != items[i].(map[string]any)["s"] {
				t.Fatalf("budget %d: result is not an in-order prefix at %d", budget, i)
			}
		}
	}
}

func TestBoundArray_StopsAtFirstOversized(t *testing.T) {
	items := []any{"a", strings.Repeat("b", 100), "c"}
	got := BoundArray(items, 20, nil)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected [a], got %v", got)
	}
}

func TestBoundArray_TinyBudgetKeepsNothing(t *testing.T) {
	items := []any{strings.Repeat("a", 100), strings.Repeat("b", 100)}
	for _, budget := range []int{0, 1} {
		got := BoundArray(items, budget, nil)
		if len(got) != 0 {
			t.Errorf("budget %d: Expected no items, got %d", budget, len(got))
		}
	}
}

func TestBoundArray_AppliesTransform(t *testing.T) {
	items := []any{strings.Repeat("x", 50), strings.Repeat("y", 50)}
	got := BoundArray(items, 1000, func(v any) any { return TruncateStrings(v, 2) })
	if len(got) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(got))
	}
	if got[0] != "xx"+TruncationMarker {
		t.Errorf("Expected transformed item, got %v", got[0])
	}
}

func TestProcessJSONField(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		maxLength int
		maxTotal  int
		want      string
	}{
		{"empty", "", 5, 100, ""},
		{"plain text", strings.Repeat("t", 10), 4, 100, "tttt" + TruncationMarker},
		{"object", `{"a":"abcdefgh","n":12345678901234567890}`, 3, 1000, `{"a":"abc` + TruncationMarker + `","n":12345678901234567890}`},
		{"array prefix", `["aaaa","bbbb","cccc"]`, 100, 14, `["aaaa"]`},
		{"html not escaped", `{"h":"<b>"}`, 10, 100, `{"h":"<b>"}`},
		{"trailing garbage", `{"a":1} tail`, 5, 100, `{"a":` + TruncationMarker},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ProcessJSONField(tc.raw, tc.maxLength, tc.maxTotal)
			if got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestProcessJSONField_ArrayWithinBudget(t *testing.T) {
	raw := `[` + strings.Repeat(`"item",`, 200) + `"last"]`
	got := ProcessJSONField(raw, 500, 300)
	if len(got) > 300 {
		t.Errorf("Expected at most 300 bytes, got %d", len(got))
	}
	var arr []string
	if err := json.Unmarshal([]byte(got), &arr); err != nil {
		t.Fatalf("Expected valid JSON array, got error: %v", err)
	}
}

func TestBounder_Entry(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.StringSizeLimit = 5
	truncated := 0
	b := NewBounder(func() domain.Settings { return settings }, func() { truncated++ })

	e := b.Entry(domain.LogEntry{
		Type:            domain.LogNetworkRequest,
		Message:         "a long console message",
		RequestHeaders:  map[string]string{"X-Trace": "abcdefghij"},
		ResponseHeaders: map[string]string{"Server": "nginx"},
		ResponseBody:    `{"k":"abcdefghij"}`,
	})

	if e.Message != "a lon"+TruncationMarker {
		t.Errorf("Expected truncated message, got %q", e.Message)
	}
	if e.RequestHeaders != nil || e.ResponseHeaders != nil {
		t.Errorf("Expected headers dropped, got %v / %v", e.RequestHeaders, e.ResponseHeaders)
	}
	if e.ResponseBody != `{"k":"abcde`+TruncationMarker+`"}` {
		t.Errorf("Unexpected response body %q", e.ResponseBody)
	}
	if truncated != 1 {
		t.Errorf("Expected truncation callback once, got %d", truncated)
	}
}

func TestBounder_EntryConsoleJSONStaysValid(t *testing.T) {
	b := NewBounder(domain.DefaultSettings, nil)
	items := make([]string, 100)
	for i := range items {
		items[i] = "item"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	e := b.Entry(domain.LogEntry{Type: domain.LogConsole, Message: string(raw)})

	var got []string
	if err := json.Unmarshal([]byte(e.Message), &got); err != nil {
		t.Fatalf("Expected valid JSON message, got %q: %v", e.Message, err)
	}
	if len(got) != 100 {
		t.Errorf("Expected 100 items, got %d", len(got))
	}
}

func TestBounder_EntryConsoleJSONStringsTruncated(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.StringSizeLimit = 3
	b := NewBounder(func() domain.Settings { return settings }, nil)

	e := b.Entry(domain.LogEntry{Type: domain.LogConsoleError, Message: `{"msg":"abcdefgh"}`})
	want := `{"msg":"abc` + TruncationMarker + `"}`
	if e.Message != want {
		t.Errorf("Expected %q, got %q", want, e.Message)
	}
}

func TestBounder_EntryKeepsHeadersWhenEnabled(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.ShowRequestHeaders = true
	b := NewBounder(func() domain.Settings { return settings }, nil)

	e := b.Entry(domain.LogEntry{RequestHeaders: map[string]string{"Accept": "*/*"}})
	if e.RequestHeaders["Accept"] != "*/*" {
		t.Errorf("Expected request headers kept, got %v", e.RequestHeaders)
	}
}

func TestBounder_Entries(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.LogLimit = 3
	b := NewBounder(func() domain.Settings { return settings }, nil)

	var in []domain.LogEntry
	for i := 0; i < 10; i++ {
		in = append(in, domain.LogEntry{Type: domain.LogConsole, Message: string(rune('a' + i))})
	}
	got := b.Entries(in)
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	if got[0].Message != "h" || got[2].Message != "j" {
		t.Errorf("Expected newest entries h..j, got %q..%q", got[0].Message, got[2].Message)
	}

	if out := b.Entries(nil); out == nil || len(out) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", out)
	}
}

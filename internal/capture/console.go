package capture

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/chromedp/cdproto/runtime"
)

const unprocessableArgs = "Unable to process console arguments"

// ConsoleEntry translates a console API call. Calls of type "error" go to
// the error stream.
func ConsoleEntry(ev *runtime.EventConsoleAPICalled, now time.Time) domain.LogEntry {
	entry := domain.LogEntry{
		Type:      domain.LogConsole,
		Level:     string(ev.Type),
		Message:   FormatArgs(ev.Args),
		Timestamp: now.UnixMilli(),
	}
	if ev.Type == runtime.APITypeError {
		entry.Type = domain.LogConsoleError
	}
	return entry
}

// ExceptionEntry translates an uncaught exception into an error entry.
func ExceptionEntry(ev *runtime.EventExceptionThrown, now time.Time) domain.LogEntry {
	return domain.LogEntry{
		Type:      domain.LogConsoleError,
		Level:     "error",
		Message:   exceptionMessage(ev.ExceptionDetails),
		Timestamp: now.UnixMilli(),
	}
}

func exceptionMessage(details *runtime.ExceptionDetails) string {
	if details == nil {
		return "Uncaught exception"
	}
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	if b, err := json.Marshal(details); err == nil {
		return string(b)
	}
	return details.Text
}

// FormatArgs renders console arguments joined by spaces. It never panics;
// on failure it falls back to the first argument's raw value.
func FormatArgs(args []*runtime.RemoteObject) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fallbackMessage(args)
		}
	}()

	parts := make([]string, 0, len(args))
	for _, arg := range args {
		part, err := formatArg(arg)
		if err != nil {
			return fallbackMessage(args)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

func fallbackMessage(args []*runtime.RemoteObject) string {
	if len(args) > 0 && args[0] != nil && len(args[0].Value) > 0 {
		return string(args[0].Value)
	}
	return unprocessableArgs
}

func formatArg(arg *runtime.RemoteObject) (string, error) {
	if arg == nil {
		return "undefined", nil
	}
	if arg.Type == runtime.TypeString && len(arg.Value) > 0 {
		var s string
		if err := json.Unmarshal([]byte(arg.Value), &s); err == nil {
			return s, nil
		}
		return string(arg.Value), nil
	}
	if arg.Type == runtime.TypeObject && arg.Preview != nil {
		if b, err := json.Marshal(previewValue(arg.Preview)); err == nil {
			return string(b), nil
		}
	}
	if arg.Description != "" {
		return arg.Description, nil
	}
	if len(arg.Value) > 0 {
		return string(arg.Value), nil
	}
	if arg.UnserializableValue != "" {
		return string(arg.UnserializableValue), nil
	}
	if arg.Type == runtime.TypeUndefined {
		return "undefined", nil
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// previewValue turns an object preview into plain JSON-able data.
func previewValue(p *runtime.ObjectPreview) any {
	if p.Subtype == runtime.SubtypeArray {
		items := make([]any, 0, len(p.Properties))
		for _, prop := range p.Properties {
			items = append(items, propertyValue(prop))
		}
		return items
	}
	obj := make(map[string]any, len(p.Properties))
	for _, prop := range p.Properties {
		obj[prop.Name] = propertyValue(prop)
	}
	return obj
}

func propertyValue(prop *runtime.PropertyPreview) any {
	if prop.ValuePreview != nil {
		return previewValue(prop.ValuePreview)
	}
	return prop.Value
}

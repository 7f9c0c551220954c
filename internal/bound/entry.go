package bound

import (
	"github.com/ashureev/tabrelay/internal/domain"
)

// Bounder applies the current size settings to log entries.
type Bounder struct {
	settings   func() domain.Settings
	onTruncate func()
}

// NewBounder creates a Bounder reading limits from settings on every call.
// onTruncate, if non-nil, is invoked once per entry that was shortened.
func NewBounder(settings func() domain.Settings, onTruncate func()) *Bounder {
	return &Bounder{settings: settings, onTruncate: onTruncate}
}

// Entry returns a bounded copy of e. Console messages and bodies go through
// ProcessJSONField so JSON payloads stay valid. Headers are dropped unless
// the matching show flag is set.
func (b *Bounder) Entry(e domain.LogEntry) domain.LogEntry {
	s := b.settings()
	limit := s.StringSizeLimit
	if limit == 0 {
		limit = -1
	}
	orig := e

	switch e.Type {
	case domain.LogConsole, domain.LogConsoleError:
		e.Message = ProcessJSONField(e.Message, limit, s.MaxLogSize)
	default:
		e.Message = truncateString(e.Message, limit)
	}
	e.RequestBody = ProcessJSONField(e.RequestBody, limit, s.MaxLogSize)
	e.ResponseBody = ProcessJSONField(e.ResponseBody, limit, s.MaxLogSize)

	if s.ShowRequestHeaders {
		e.RequestHeaders = truncateHeaders(e.RequestHeaders, limit)
	} else {
		e.RequestHeaders = nil
	}
	if s.ShowResponseHeaders {
		e.ResponseHeaders = truncateHeaders(e.ResponseHeaders, limit)
	} else {
		e.ResponseHeaders = nil
	}

	if e.Element != nil {
		el := *e.Element
		el.TextContent = truncateString(el.TextContent, limit)
		el.InnerHTML = truncateString(el.InnerHTML, limit)
		el.Attributes = truncateHeaders(el.Attributes, limit)
		e.Element = &el
	}

	cut := e.Message != orig.Message || e.RequestBody != orig.RequestBody || e.ResponseBody != orig.ResponseBody
	if e.Element != nil && (e.Element.TextContent != orig.Element.TextContent || e.Element.InnerHTML != orig.Element.InnerHTML) {
		cut = true
	}
	if cut && b.onTruncate != nil {
		b.onTruncate()
	}
	return e
}

// Entries bounds a query result: the newest LogLimit entries are kept, each
// is bounded with Entry, and the list is cut to fit QueryLimit bytes.
// The result is never nil.
func (b *Bounder) Entries(entries []domain.LogEntry) []domain.LogEntry {
	s := b.settings()
	if s.LogLimit > 0 && len(entries) > s.LogLimit {
		entries = entries[len(entries)-s.LogLimit:]
	}
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	kept := BoundArray(items, s.QueryLimit, func(item any) any {
		return b.Entry(item.(domain.LogEntry))
	})
	out := make([]domain.LogEntry, len(kept))
	for i, item := range kept {
		out[i] = item.(domain.LogEntry)
	}
	return out
}

func truncateHeaders(h map[string]string, maxLength int) map[string]string {
	if h == nil {
		return nil
	}
	return TruncateStrings(h, maxLength).(map[string]string)
}

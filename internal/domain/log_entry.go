package domain

// Log entry types.
const (
	LogConsole         = "console-log"
	LogConsoleError    = "console-error"
	LogNetworkRequest  = "network-request"
	LogSelectedElement = "selected-element"
)

// LogEntry is one captured telemetry item.
type LogEntry struct {
	Type      string `json:"type"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`

	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty"`
	Status          int               `json:"status,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`

	Element *ElementInfo `json:"element,omitempty"`
	TabID   string       `json:"tabId,omitempty"`
}

// IsError reports whether the entry belongs to the error stream.
func (e LogEntry) IsError() bool {
	return e.Type == LogConsoleError
}

// ElementInfo summarises a DOM element picked for inspection.
type ElementInfo struct {
	TagName     string            `json:"tagName"`
	ID          string            `json:"id,omitempty"`
	ClassName   string            `json:"className,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Dimensions  Dimensions        `json:"dimensions"`
	InnerHTML   string            `json:"innerHTML,omitempty"`
}

// Dimensions is an element's bounding box.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

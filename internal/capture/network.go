package capture

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/chromedp/cdproto/network"
)

const (
	maxTrackedRequests  = 512
	responseBodyTimeout = 5 * time.Second
)

// trackedRequest is an in-flight request. fetchPostData is set when the
// request had a body that the event did not carry inline.
type trackedRequest struct {
	entry         domain.LogEntry
	fetchPostData bool
}

// networkTracker follows XHR and fetch requests from request to completion.
// Once maxTracked requests are in flight the oldest is forgotten.
type networkTracker struct {
	mu         sync.Mutex
	requests   map[network.RequestID]*trackedRequest
	order      []network.RequestID
	maxTracked int
}

func newNetworkTracker(maxTracked int) *networkTracker {
	return &networkTracker{
		requests:   make(map[network.RequestID]*trackedRequest),
		maxTracked: maxTracked,
	}
}

func isScriptedRequest(t network.ResourceType) bool {
	return t == network.ResourceTypeXHR || t == network.ResourceTypeFetch
}

func (n *networkTracker) begin(ev *network.EventRequestWillBeSent, tabID string, now time.Time) {
	if ev.Request == nil || !isScriptedRequest(ev.Type) {
		return
	}
	tr := &trackedRequest{
		entry: domain.LogEntry{
			Type:           domain.LogNetworkRequest,
			URL:            ev.Request.URL,
			Method:         ev.Request.Method,
			RequestHeaders: flattenHeaders(ev.Request.Headers),
			RequestBody:    postData(ev.Request),
			Timestamp:      now.UnixMilli(),
			TabID:          tabID,
		},
		fetchPostData: ev.Request.HasPostData && len(ev.Request.PostDataEntries) == 0,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.requests[ev.RequestID]; !exists {
		n.order = append(n.order, ev.RequestID)
	}
	n.requests[ev.RequestID] = tr
	for len(n.order) > n.maxTracked {
		oldest := n.order[0]
		n.order = n.order[1:]
		delete(n.requests, oldest)
	}
}

func (n *networkTracker) response(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.requests[ev.RequestID]
	if !ok {
		return
	}
	tr.entry.Status = int(ev.Response.Status)
	tr.entry.ResponseHeaders = flattenHeaders(ev.Response.Headers)
}

func (n *networkTracker) finish(id network.RequestID) (trackedRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.requests[id]
	if !ok {
		return trackedRequest{}, false
	}
	delete(n.requests, id)
	for i, rid := range n.order {
		if rid == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return *tr, true
}

func (n *networkTracker) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.requests)
	n.order = nil
}

func (n *networkTracker) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func postData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range req.PostDataEntries {
		if e == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			b.WriteString(e.Bytes)
			continue
		}
		b.Write(raw)
	}
	return b.String()
}

package relay

import (
	"github.com/ashureev/tabrelay/internal/buffer"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/protocol"
)

// LogStore keeps the most recent entries of each stream for log queries.
// Each stream is a fixed-capacity ring; the oldest entry is evicted first.
type LogStore struct {
	console *buffer.CircularBuffer[domain.LogEntry]
	errors  *buffer.CircularBuffer[domain.LogEntry]
	network *buffer.CircularBuffer[domain.LogEntry]
}

// NewLogStore creates a store holding up to capacity entries per stream.
func NewLogStore(capacity int) *LogStore {
	return &LogStore{
		console: buffer.NewCircularBuffer[domain.LogEntry](capacity),
		errors:  buffer.NewCircularBuffer[domain.LogEntry](capacity),
		network: buffer.NewCircularBuffer[domain.LogEntry](capacity),
	}
}

// Add files e under its stream. Selected elements are not retained.
func (s *LogStore) Add(e domain.LogEntry) {
	switch e.Type {
	case domain.LogConsole:
		s.console.Push(e)
	case domain.LogConsoleError:
		s.errors.Push(e)
	case domain.LogNetworkRequest:
		s.network.Push(e)
	}
}

// Query returns the stream answering a log query type, oldest first.
func (s *LogStore) Query(queryType string) []domain.LogEntry {
	switch queryType {
	case protocol.TypeGetConsoleLogs:
		return s.console.Items()
	case protocol.TypeGetConsoleErrors:
		return s.errors.Items()
	case protocol.TypeGetNetworkLogs:
		return s.network.Items()
	}
	return []domain.LogEntry{}
}

// Reset empties every stream.
func (s *LogStore) Reset() {
	s.console.Reset()
	s.errors.Reset()
	s.network.Reset()
}

// Counts returns the number of stored entries per stream.
func (s *LogStore) Counts() map[string]int {
	return map[string]int{
		domain.LogConsole:        s.console.Len(),
		domain.LogConsoleError:   s.errors.Len(),
		domain.LogNetworkRequest: s.network.Len(),
	}
}

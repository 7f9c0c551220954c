package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/tabrelay/internal/bound"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/protocol"
	"github.com/ashureev/tabrelay/internal/shared"
)

const ingestTimeout = 5 * time.Second

// Ingester posts a bounded entry to the server's HTTP log endpoint.
type Ingester interface {
	Ingest(ctx context.Context, entry domain.LogEntry) error
}

// Forwarder bounds captured entries, keeps them for log queries and pushes
// them to the server over HTTP, the socket, or both.
type Forwarder struct {
	bounder   *bound.Bounder
	store     *LogStore
	transport Transport
	ingester  Ingester
	viaHTTP   bool
	viaSocket bool
	logger    *slog.Logger
}

// NewForwarder creates a Forwarder. A nil ingester disables HTTP delivery.
func NewForwarder(bounder *bound.Bounder, store *LogStore, transport Transport, ingester Ingester, viaHTTP, viaSocket bool, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		bounder:   bounder,
		store:     store,
		transport: transport,
		ingester:  ingester,
		viaHTTP:   viaHTTP && ingester != nil,
		viaSocket: viaSocket,
		logger:    logger,
	}
}

// Forward bounds entry, stores it and delivers it. It never blocks on the
// network.
func (f *Forwarder) Forward(entry domain.LogEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = protocol.Now()
	}
	entry = f.bounder.Entry(entry)
	f.store.Add(entry)

	if f.viaSocket {
		f.transport.Send(protocol.LogEntryFrame{Type: entry.Type, Data: entry})
	}
	if f.viaHTTP {
		shared.Go(f.logger, "relay-ingest", func() {
			ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
			defer cancel()
			if err := f.ingester.Ingest(ctx, entry); err != nil {
				f.logger.Debug("Log ingestion failed", "type", entry.Type, "error", err)
			}
		})
	}
}

package relay

import (
	"context"

	"github.com/ashureev/tabrelay/internal/protocol"
	"github.com/ashureev/tabrelay/internal/shared"
)

// Sources of a page-navigated announcement.
const (
	SourceNavigation        = "navigation"
	SourceInitialConnection = "initial_connection"
	SourceTabSwitch         = "tab_switch"
)

// HandleNavigation reacts to the inspected tab loading a new page: logs
// of the previous page are wiped locally and on the server, the new URL is
// announced and the tab context is revalidated.
func (d *Dispatcher) HandleNavigation(ctx context.Context, tabID, url string) {
	d.logger.Info("Page navigated", "tab_id", tabID, "url", url)

	d.store.Reset()
	if d.wiper != nil {
		if err := d.wiper.Wipe(ctx); err != nil {
			d.logger.Warn("Failed to wipe server logs after navigation", "error", err)
		}
	}

	d.guard.SetTab(tabID)
	d.guard.Invalidate()
	d.transport.Send(protocol.PageNavigated{
		Type:      protocol.TypePageNavigated,
		URL:       url,
		TabID:     tabID,
		Timestamp: protocol.Now(),
		Source:    SourceNavigation,
	})

	shared.Go(d.logger, "relay-tab-recover", func() {
		if !d.guard.Recover(ctx) {
			d.logger.Warn("Tab context not recovered after navigation", "tab_id", tabID)
		}
	})
}

// AnnounceURL sends the URL of the inspected tab with the given source. It is
// called when a connection opens and when the inspected tab changes.
func (d *Dispatcher) AnnounceURL(ctx context.Context, source string) {
	tabID := d.guard.Snapshot().TabID
	if tabID == "" {
		d.logger.Debug("No inspected tab to announce")
		return
	}
	url, err := d.browser.TabURL(ctx, tabID)
	if err != nil {
		d.logger.Warn("Failed to read tab URL for announcement", "tab_id", tabID, "error", err)
		return
	}
	d.transport.Send(protocol.PageNavigated{
		Type:      protocol.TypePageNavigated,
		URL:       url,
		TabID:     tabID,
		Timestamp: protocol.Now(),
		Source:    source,
	})
}

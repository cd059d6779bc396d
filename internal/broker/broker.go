package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thobiasn/bridge/internal/protocol"
)

const pruneInterval = 1 * time.Hour

// Broker wires the topic table, listeners, journal and admin socket
// together and owns their lifecycle.
type Broker struct {
	cfg     *Config
	table   *Table
	hub     *Hub
	store   *Store
	journal *Journal
	server  *Server
	ws      *WSListener
	admin   *AdminServer

	started   bool
	startedAt time.Time
	lastPrune time.Time
}

// New creates a Broker from cfg. Nothing listens until Start or Run.
func New(cfg *Config) (*Broker, error) {
	var store *Store
	if cfg.Storage.Path != "" {
		var err error
		store, err = OpenStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	hub := NewHub()
	b := &Broker{
		cfg:     cfg,
		table:   NewTable(cfg.Broker.InitialCapacity),
		hub:     hub,
		store:   store,
		journal: NewJournal(hub, store, cfg.Log.Recent),
	}
	b.server = NewServer(&cfg.Broker, b.table, b.journal)
	if cfg.WebSocket.Listen != "" {
		b.ws = NewWSListener(b.server, cfg.WebSocket.Path)
	}
	if cfg.Admin.Socket != "" {
		b.admin = NewAdminServer(hub, b)
	}
	return b, nil
}

// Hub returns the hub carrying journal events and state notices.
func (b *Broker) Hub() *Hub { return b.hub }

// Table returns the topic table.
func (b *Broker) Table() *Table { return b.table }

// Start opens every configured listener. A broker started once is not
// started again. The admin socket is optional: if it cannot be opened the
// broker serves without it.
func (b *Broker) Start() error {
	if b.started {
		return nil
	}
	b.startedAt = time.Now()
	if err := b.server.Start(b.cfg.Broker.Listen); err != nil {
		return fmt.Errorf("start broker listener: %w", err)
	}
	if b.ws != nil {
		if err := b.ws.Start(b.cfg.WebSocket.Listen); err != nil {
			b.server.Stop()
			return fmt.Errorf("start websocket listener: %w", err)
		}
	}
	if b.admin != nil {
		if err := b.admin.Start(b.cfg.Admin.Socket); err != nil {
			slog.Warn("admin socket unavailable, dashboard attach disabled",
				"path", b.cfg.Admin.Socket, "error", err)
			b.admin = nil
		}
	}
	b.started = true
	return nil
}

// Run starts the broker if needed and serves until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		b.closeStorage()
		return err
	}
	slog.Info("broker running",
		"addr", b.server.Addr().String(),
		"topic_width", b.cfg.Broker.TopicWidth,
		"block_size", b.cfg.Broker.BlockSize,
		"db", b.cfg.Storage.Path,
	)

	b.prune(ctx)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	listenerDone := b.server.Done()
	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case <-listenerDone:
			if err := b.server.Err(); err != nil {
				slog.Error("broker no longer accepting connections", "error", err)
			}
			listenerDone = nil
		case <-ticker.C:
			b.prune(ctx)
		}
	}
}

func (b *Broker) prune(ctx context.Context) {
	if b.store == nil || time.Since(b.lastPrune) < pruneInterval {
		return
	}
	if err := b.store.Prune(ctx, b.cfg.Storage.RetentionDays); err != nil {
		slog.Error("prune failed", "error", err)
		return
	}
	b.lastPrune = time.Now()
	slog.Info("pruned old events", "retention_days", b.cfg.Storage.RetentionDays)
}

// shutdown stops the listeners, closes every connection, then flushes and
// closes the event store.
func (b *Broker) shutdown() error {
	slog.Info("broker shutting down")

	if b.admin != nil {
		b.admin.Stop()
	}
	if b.ws != nil {
		b.ws.Stop()
	}
	b.server.Stop()
	b.table.Teardown()
	b.closeStorage()

	slog.Info("broker stopped")
	return nil
}

func (b *Broker) closeStorage() {
	b.journal.Close()
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			slog.Error("close store", "error", err)
		}
	}
}

func (b *Broker) Info() protocol.ServerInfo {
	addr := b.server.Addr()
	info := protocol.ServerInfo{
		Addr:      addr.Addr().String(),
		Port:      int(addr.Port()),
		Topics:    b.table.Len(),
		Capacity:  b.table.Cap(),
		Listening: b.server.Listening(),
	}
	if !addr.IsValid() {
		info.Addr = ""
	}
	if !b.startedAt.IsZero() {
		info.StartedAt = b.startedAt.Unix()
	}
	if b.ws != nil {
		info.WebSocket = b.ws.Addr()
	}
	return info
}

func (b *Broker) Topics() []protocol.TopicInfo {
	views := b.table.Snapshot()
	out := make([]protocol.TopicInfo, len(views))
	for i, v := range views {
		out[i] = topicToInfo(v)
	}
	return out
}

// Events returns journal history from the store, or from memory when no
// store is configured.
func (b *Broker) Events(ctx context.Context, req protocol.QueryEventsReq) ([]protocol.EventMsg, error) {
	f := filterFromReq(req, b.cfg.Broker.TopicWidth)
	if b.store == nil {
		return eventsToMsgs(b.journal.Recent(f)), nil
	}
	events, err := b.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	return eventsToMsgs(events), nil
}

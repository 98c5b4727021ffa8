package core

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventsStream is the JetStream stream the bridge writes to.
const EventsStream = "SHIELD_EVENTS"

// NATSBridge forwards every bus event to NATS JetStream for telemetry
// consumers. Publishes are asynchronous; Flush waits for outstanding acks.
type NATSBridge struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	prefix string
	dedup  *EventDedup

	mu    sync.Mutex
	unsub func()

	metrics *BridgeMetrics
}

// BridgeMetrics tracks forwarding counters.
type BridgeMetrics struct {
	mu              sync.Mutex
	EventsForwarded int64
	EventsFailed    int64
	EventsDeduped   int64
}

// NewNATSBridge connects to NATS (starting an embedded server when
// cfg.Embedded is set) and ensures the events stream exists.
func NewNATSBridge(cfg *TelemetryConfig, logger zerolog.Logger) (*NATSBridge, error) {
	bridge := &NATSBridge{
		logger:  logger.With().Str("component", "nats_bridge").Logger(),
		prefix:  cfg.SubjectPrefix,
		metrics: &BridgeMetrics{},
	}
	if bridge.prefix == "" {
		bridge.prefix = "shield.events"
	}
	if cfg.DedupWindowSeconds > 0 {
		bridge.dedup = NewEventDedup(time.Duration(cfg.DedupWindowSeconds)*time.Second, 0)
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bridge.ns = ns
		url = ns.ClientURL()
		bridge.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("shield"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bridge.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bridge.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bridge.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bridge.nc = nc

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(1024))
	if err != nil {
		bridge.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bridge.js = js

	streamCfg := &nats.StreamConfig{
		Name:      EventsStream,
		Subjects:  []string{bridge.prefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  64 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// Stream may exist with a different config from a previous version.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			bridge.Close()
			return nil, fmt.Errorf("creating/updating events stream: %w (original: %v)", updateErr, err)
		}
	}

	bridge.logger.Info().Str("url", url).Str("stream", EventsStream).Msg("connected to NATS JetStream")
	return bridge, nil
}

// Attach subscribes the bridge to every event on bus and registers it as a
// flusher so termination waits for delivery.
func (nb *NATSBridge) Attach(bus *EventBus) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.unsub != nil {
		return
	}
	nb.unsub = bus.SubscribeAll(nb.forward)
	bus.AddFlusher(nb)
}

// Subject returns the subject an event is published on.
func (nb *NATSBridge) Subject(event *Event) string {
	category := string(event.Category)
	if category == "" {
		category = "none"
	}
	return fmt.Sprintf("%s.%s.%s", nb.prefix, event.Kind, category)
}

func (nb *NATSBridge) forward(event *Event) {
	if nb.dedup != nil && nb.dedup.IsDuplicate(event) {
		nb.metrics.mu.Lock()
		nb.metrics.EventsDeduped++
		nb.metrics.mu.Unlock()
		return
	}
	data, err := event.Marshal()
	if err != nil {
		nb.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to marshal event")
		return
	}
	if _, err := nb.js.PublishAsync(nb.Subject(event), data); err != nil {
		nb.metrics.mu.Lock()
		nb.metrics.EventsFailed++
		nb.metrics.mu.Unlock()
		nb.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to forward event")
		return
	}
	nb.metrics.mu.Lock()
	nb.metrics.EventsForwarded++
	nb.metrics.mu.Unlock()
}

// Flush blocks until every async publish is acknowledged or ctx is done.
func (nb *NATSBridge) Flush(ctx context.Context) error {
	if nb.js == nil {
		return nil
	}
	select {
	case <-nb.js.PublishAsyncComplete():
	case <-ctx.Done():
		return fmt.Errorf("flushing NATS bridge: %w", ctx.Err())
	}
	if err := nb.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing NATS connection: %w", err)
	}
	return nil
}

// IsConnected returns true if the NATS connection is active.
func (nb *NATSBridge) IsConnected() bool {
	return nb.nc != nil && nb.nc.IsConnected()
}

// Conn exposes the underlying connection for consumers in the same process.
func (nb *NATSBridge) Conn() *nats.Conn {
	return nb.nc
}

// GetMetrics returns a snapshot of bridge metrics.
func (nb *NATSBridge) GetMetrics() map[string]int64 {
	nb.metrics.mu.Lock()
	defer nb.metrics.mu.Unlock()
	return map[string]int64{
		"events_forwarded": nb.metrics.EventsForwarded,
		"events_failed":    nb.metrics.EventsFailed,
		"events_deduped":   nb.metrics.EventsDeduped,
	}
}

// Close detaches from the bus and shuts down the connection and any embedded server.
func (nb *NATSBridge) Close() error {
	nb.mu.Lock()
	if nb.unsub != nil {
		nb.unsub()
		nb.unsub = nil
	}
	nb.mu.Unlock()

	if nb.nc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = nb.Flush(ctx)
		cancel()
		nb.nc.Close()
	}
	nb.shutdownServer()
	return nil
}

func (nb *NATSBridge) shutdownServer() {
	if nb.ns != nil {
		nb.ns.Shutdown()
		nb.ns.WaitForShutdown()
		nb.logger.Info().Msg("embedded NATS server stopped")
		nb.ns = nil
	}
}

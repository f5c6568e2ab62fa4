// Package lifecycle implements the Lifecycle Manager: the authoritative
// in-memory map of live connectors, reconciliation against store change
// notifications, event fan-out into the Normalizer/Queue/Storage, and the
// periodic health/metrics sweep.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/socops/ingestcore/internal/ingestion/changefeed"
	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/normalizer"
	"github.com/socops/ingestcore/internal/ingestion/queue"
	"github.com/socops/ingestcore/internal/ingestion/realtime"
	"github.com/socops/ingestcore/internal/ingestion/storage"
	"github.com/socops/ingestcore/internal/ingestion/vault"
	"github.com/socops/ingestcore/pkg/logger"
)

// Factory constructs a concrete connector for a ConnectorRecord, given
// its decrypted credentials and a sink to emit onto.
type Factory func(rec model.ConnectorRecord, creds vault.Credentials, sink connector.Sink) (connector.Connector, error)

// Manager owns the live connector set.
type Manager struct {
	store    storage.Store
	vault    *vault.Vault
	norm     *normalizer.Normalizer
	q        *queue.Queue
	hub      *realtime.Hub
	feed     *changefeed.Bus
	log      *logger.Logger
	sink     *connector.ChannelSink
	factories map[model.ConnectorType]Factory

	mu    sync.Mutex
	live  map[int64]connector.Connector
	recs  map[int64]model.ConnectorRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. Call RegisterFactory for each connector type
// before Bootstrap.
func New(store storage.Store, v *vault.Vault, norm *normalizer.Normalizer, q *queue.Queue, hub *realtime.Hub, feed *changefeed.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Manager{
		store:     store,
		vault:     v,
		norm:      norm,
		q:         q,
		hub:       hub,
		feed:      feed,
		log:       log,
		sink:      connector.NewChannelSink(1024),
		factories: map[model.ConnectorType]Factory{},
		live:      map[int64]connector.Connector{},
		recs:      map[int64]model.ConnectorRecord{},
	}
}

// RegisterFactory installs the constructor for a connector type.
func (m *Manager) RegisterFactory(typ model.ConnectorType, f Factory) {
	m.factories[typ] = f
}

// Bootstrap loads every active ConnectorRecord, constructs and starts
// its connector. Construction failures mark the record errored without
// aborting the rest of bootstrap.
func (m *Manager) Bootstrap(ctx context.Context) error {
	recs, err := m.store.Connectors.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list active connectors: %w", err)
	}
	for _, rec := range recs {
		if err := m.startConnector(ctx, rec); err != nil {
			m.log.WithField("connector", rec.ID).Warnf("lifecycle: bootstrap failed: %v", err)
			_ = m.store.Connectors.UpdateStatus(ctx, rec.ID, model.StatusError, err.Error())
		}
	}

	m.feed.Subscribe(m.onChange)

	ctx2, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go m.fanOutLoop(ctx2)
	go m.sweepLoop(ctx2)

	return nil
}

func (m *Manager) startConnector(ctx context.Context, rec model.ConnectorRecord) error {
	factory, ok := m.factories[rec.Type]
	if !ok {
		return fmt.Errorf("no factory registered for type %q", rec.Type)
	}

	var creds vault.Credentials
	if len(rec.Configuration) > 0 {
		var sealed vault.Sealed
		if err := json.Unmarshal(rec.Configuration, &sealed); err == nil && sealed.Ciphertext != "" {
			decrypted, err := m.vault.Decrypt(sealed)
			if err != nil {
				return fmt.Errorf("decrypt credentials: %w", err)
			}
			creds = decrypted
		}
	}

	conn, err := factory(rec, creds, m.sink)
	if err != nil {
		return fmt.Errorf("construct connector: %w", err)
	}
	if err := conn.Start(); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}

	m.mu.Lock()
	m.live[rec.ID] = conn
	m.recs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopConnector(id int64) {
	m.mu.Lock()
	conn, ok := m.live[id]
	delete(m.live, id)
	delete(m.recs, id)
	m.mu.Unlock()
	if ok {
		_ = conn.Stop()
	}
}

// onChange reconciles a single connectorId against the store, per the
// algorithm in §4.F: absent/inactive -> stop-and-remove; live -> stop-
// and-recreate; not live -> create-and-start.
func (m *Manager) onChange(ctx context.Context, connectorID int64) {
	rec, err := m.store.Connectors.Get(ctx, connectorID)
	if err != nil || !rec.IsActive || rec.Status == model.StatusDisabled {
		m.stopConnector(connectorID)
		return
	}

	m.mu.Lock()
	_, isLive := m.live[connectorID]
	m.mu.Unlock()

	if isLive {
		m.stopConnector(connectorID)
	}
	if err := m.startConnector(ctx, rec); err != nil {
		m.log.WithField("connector", connectorID).Warnf("lifecycle: reconcile failed: %v", err)
		_ = m.store.Connectors.UpdateStatus(ctx, connectorID, model.StatusError, err.Error())
	}
}

// fanOutLoop drains the shared sink and performs the event fan-out:
// persist raw event, normalize, push to realtime, append connector log.
func (m *Manager) fanOutLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.sink.Events():
			m.handleEnvelope(ctx, env)
		}
	}
}

func (m *Manager) handleEnvelope(ctx context.Context, env connector.Envelope) {
	switch env.Kind {
	case connector.KindEvent:
		if env.RawEvent != nil {
			m.normalizeAndStoreEvent(ctx, *env.RawEvent)
		}
	case connector.KindStatusChange:
		_ = m.store.Connectors.UpdateStatus(ctx, env.ConnectorID, model.ConnectorStatus(env.Status), env.Message)
		_ = m.store.ConnectorLogs.AppendLog(ctx, env.ConnectorID, fmt.Sprintf("status -> %s: %s", env.Status, env.Message))
		if m.hub != nil {
			m.hub.Broadcast(realtime.Message{Kind: "status", ConnectorID: env.ConnectorID, Payload: env.Status})
		}
	case connector.KindError:
		_ = m.store.ConnectorLogs.AppendLog(ctx, env.ConnectorID, fmt.Sprintf("error: %v", env.Err))
	case connector.KindMetricsUpdate:
		if m.hub != nil {
			m.hub.Broadcast(realtime.Message{Kind: "metrics", ConnectorID: env.ConnectorID, Payload: env.Metrics})
		}
	}
}

// ProcessQueuedEvent runs the same normalize-and-store pipeline as the
// synchronous fan-out path, for a raw event that arrived via a
// queue.Job batch (§4.C: "Queue Job -> Normalizer -> storage"). The
// work queue's Handler calls this once per event in the job payload;
// a non-nil return triggers the queue's retry/dead-letter policy.
func (m *Manager) ProcessQueuedEvent(ctx context.Context, e model.RawEvent) error {
	m.normalizeAndStoreEvent(ctx, e)
	return nil
}

func (m *Manager) normalizeAndStoreEvent(ctx context.Context, e model.RawEvent) {
	if err := m.store.RawEvents.InsertRawEvent(ctx, e); err != nil {
		m.log.WithField("event", e.ID).Warnf("lifecycle: persist raw event failed: %v", err)
	}

	m.mu.Lock()
	rec := m.recs[e.ConnectorID]
	m.mu.Unlock()

	result, err := m.norm.Normalize(e, rec.Vendor, rec.Name, rec.OrganizationID)
	if err != nil {
		_ = m.store.ConnectorLogs.AppendLog(ctx, e.ConnectorID, fmt.Sprintf("normalize skipped: %v", err))
		return
	}
	if result.Alert != nil {
		if err := m.store.Alerts.InsertAlert(ctx, *result.Alert); err != nil {
			m.log.WithField("event", e.ID).Warnf("lifecycle: persist alert failed: %v", err)
		}
		if m.hub != nil {
			m.hub.Broadcast(realtime.Message{Kind: "event", ConnectorID: e.ConnectorID, Payload: result.Alert})
		}
	}
	if result.ThreatIntel != nil {
		_ = m.store.ThreatIntel.InsertIntel(ctx, *result.ThreatIntel)
	}
	_ = m.store.ConnectorLogs.AppendLog(ctx, e.ConnectorID, fmt.Sprintf("event %s normalized", e.ID))
}

// sweepLoop runs the 60s periodic health/metrics pull.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[int64]connector.Connector, len(m.live))
	for id, c := range m.live {
		snapshot[id] = c
	}
	m.mu.Unlock()

	for id, c := range snapshot {
		metrics := c.GetMetrics()
		health := c.HealthCheck()
		if !health.Healthy {
			_ = m.store.Connectors.UpdateStatus(ctx, id, model.StatusError, health.Message)
		}
		if m.hub != nil {
			m.hub.Broadcast(realtime.Message{Kind: "metrics", ConnectorID: id, Payload: metrics})
		}
	}

	if info, err := host.InfoWithContext(ctx); err == nil && m.hub != nil {
		m.hub.Broadcast(realtime.Message{Kind: "host", Payload: info})
	}
}

// Shutdown stops every live connector and the background loops.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]int64, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopConnector(id)
	}
}

// Live returns the currently-running connectors keyed by id, for the
// Scheduler and admin surfaces.
func (m *Manager) Live() map[int64]connector.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]connector.Connector, len(m.live))
	for id, c := range m.live {
		out[id] = c
	}
	return out
}

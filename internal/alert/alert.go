// Package alert keeps one-shot failover alerts in a NATS KV bucket so both
// controllers and the CLI see the same set.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Kind names an alert condition.
type Kind string

const (
	KindSyncFailed         Kind = "FailoverSyncFailed"
	KindKeysSyncFailed     Kind = "FailoverKeysSyncFailed"
	KindKMIPKeysSyncFailed Kind = "FailoverKMIPKeysSyncFailed"
)

// ErrNotStarted is returned before Start succeeded.
var ErrNotStarted = errors.New("alert manager not started")

// Alert is one raised condition.
type Alert struct {
	Kind     Kind      `json:"kind"`
	Node     ha.Node   `json:"node"`
	Details  string    `json:"details,omitempty"`
	RaisedAt time.Time `json:"raisedAt"`
}

// Event reports an alert appearing or disappearing. Alert is nil on clear.
type Event struct {
	Key   string
	Alert *Alert
}

// Config configures a Manager.
type Config struct {
	ClusterID string
	Node      ha.Node
}

// BucketName returns the KV bucket holding the cluster's alerts.
// Format: failover-<cluster_id>-alerts
func (c Config) BucketName() string {
	return fmt.Sprintf("failover-%s-alerts", c.ClusterID)
}

// Key returns the KV key of kind raised by node.
// Format: alerts.<node>.<kind>
func Key(node ha.Node, kind Kind) string {
	return fmt.Sprintf("alerts.%s.%s", node, kind)
}

// Manager raises and clears this node's alerts. Both operations are
// edge-triggered: repeating one is a no-op that does not touch NATS.
type Manager struct {
	cfg    Config
	js     jetstream.JetStream
	logger *slog.Logger

	mu     sync.Mutex
	kv     jetstream.KeyValue
	raised map[Kind]bool
}

// NewManager creates a manager on an existing JetStream context.
func NewManager(js jetstream.JetStream, cfg Config) (*Manager, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if !cfg.Node.Valid() {
		return nil, fmt.Errorf("invalid node %q", cfg.Node)
	}
	return &Manager{
		cfg:    cfg,
		js:     js,
		logger: slog.Default().With("component", "alert", "node", string(cfg.Node), "cluster", cfg.ClusterID),
		raised: make(map[Kind]bool),
	}, nil
}

// Start creates or opens the bucket and loads the alerts this node left
// behind, so a restart does not raise them twice.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kv != nil {
		return nil
	}

	bucket := m.cfg.BucketName()
	kv, err := m.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Failover alerts for %s", m.cfg.ClusterID),
	})
	if err != nil {
		kv, err = m.js.KeyValue(ctx, bucket)
		if err != nil {
			return fmt.Errorf("create/get KV bucket %s: %w", bucket, err)
		}
	}
	m.kv = kv

	prefix := fmt.Sprintf("alerts.%s.", m.cfg.Node)
	keys, err := kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return fmt.Errorf("list alerts: %w", err)
	}
	for _, k := range keys {
		if kind, ok := strings.CutPrefix(k, prefix); ok {
			m.raised[Kind(kind)] = true
		}
	}

	m.logger.Info("alert manager started", "bucket", bucket, "raised", len(m.raised))
	return nil
}

// Raise records kind unless it is already raised.
func (m *Manager) Raise(ctx context.Context, kind Kind, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kv == nil {
		return ErrNotStarted
	}
	if m.raised[kind] {
		return nil
	}

	data, err := json.Marshal(Alert{Kind: kind, Node: m.cfg.Node, Details: details, RaisedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if _, err := m.kv.Put(ctx, Key(m.cfg.Node, kind), data); err != nil {
		return fmt.Errorf("put alert: %w", err)
	}

	m.raised[kind] = true
	m.logger.Warn("alert raised", "kind", kind, "details", details)
	return nil
}

// Clear removes kind if it is raised.
func (m *Manager) Clear(ctx context.Context, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kv == nil {
		return ErrNotStarted
	}
	if !m.raised[kind] {
		return nil
	}

	if err := m.kv.Delete(ctx, Key(m.cfg.Node, kind)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete alert: %w", err)
	}

	delete(m.raised, kind)
	m.logger.Info("alert cleared", "kind", kind)
	return nil
}

// Raised reports whether this node currently has kind raised.
func (m *Manager) Raised(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raised[kind]
}

// List returns every alert in the cluster, both nodes included.
func (m *Manager) List(ctx context.Context) ([]Alert, error) {
	m.mu.Lock()
	kv := m.kv
	m.mu.Unlock()
	if kv == nil {
		return nil, ErrNotStarted
	}

	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var out []Alert
	for _, k := range keys {
		entry, err := kv.Get(ctx, k)
		if err != nil {
			m.logger.Warn("failed to get alert", "key", k, "error", err)
			continue
		}
		var a Alert
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			m.logger.Warn("failed to unmarshal alert", "key", k, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Watch streams alert changes for the whole cluster until ctx is done.
func (m *Manager) Watch(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	kv := m.kv
	m.mu.Unlock()
	if kv == nil {
		return nil, ErrNotStarted
	}

	watcher, err := kv.Watch(ctx, "alerts.>", jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				ev := Event{Key: entry.Key()}
				switch entry.Operation() {
				case jetstream.KeyValuePut:
					var a Alert
					if err := json.Unmarshal(entry.Value(), &a); err != nil {
						m.logger.Warn("failed to unmarshal watch event", "key", entry.Key(), "error", err)
						continue
					}
					ev.Alert = &a
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				default:
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

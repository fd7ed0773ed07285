// Package event publishes failover change events over NATS so the CLI and
// other observers can follow status and reason changes.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Event names.
const (
	NameStatus          = "status"
	NameDisabledReasons = "disabled_reasons"
	NameSetup           = "setup"
)

// Event kinds.
const (
	KindAdded   = "ADDED"
	KindChanged = "CHANGED"
)

// Event is one published change.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Node      ha.Node         `json:"node"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusFields is the payload of a status event.
type StatusFields struct {
	Status ha.Status `json:"status"`
}

// ReasonsFields is the payload of a disabled_reasons event.
type ReasonsFields struct {
	DisabledReasons []ha.Reason `json:"disabled_reasons"`
}

// Subject returns the subject an event is published on.
// Format: failover.<cluster_id>.events.<name>
func Subject(clusterID, name string) string {
	return fmt.Sprintf("failover.%s.events.%s", clusterID, name)
}

// Publisher sends events for one controller. Publishing is fire and forget:
// a lost event is logged and never retried.
type Publisher struct {
	nc        *nats.Conn
	clusterID string
	node      ha.Node
	logger    *slog.Logger
}

// NewPublisher creates a publisher on an existing connection.
func NewPublisher(nc *nats.Conn, clusterID string, node ha.Node) *Publisher {
	return &Publisher{
		nc:        nc,
		clusterID: clusterID,
		node:      node,
		logger:    slog.Default().With("component", "event", "node", string(node)),
	}
}

// Publish sends one event with fields encoded as JSON.
func (p *Publisher) Publish(name, kind string, fields any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s fields: %w", name, err)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Node:      p.node,
		Fields:    raw,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.clusterID, name), data); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// StatusChanged publishes a status change. Failures are logged.
func (p *Publisher) StatusChanged(s ha.Status) {
	if err := p.Publish(NameStatus, KindChanged, StatusFields{Status: s}); err != nil {
		p.logger.Warn("failed to publish status event", "status", s, "error", err)
	}
}

// ReasonsChanged publishes a disabled reasons change. Failures are logged.
func (p *Publisher) ReasonsChanged(reasons []ha.Reason) {
	if reasons == nil {
		reasons = []ha.Reason{}
	}
	if err := p.Publish(NameDisabledReasons, KindChanged, ReasonsFields{DisabledReasons: reasons}); err != nil {
		p.logger.Warn("failed to publish reasons event", "error", err)
	}
}

// Subscribe delivers every event of the cluster until ctx is done. The
// returned channel is closed when the subscription ends.
func Subscribe(ctx context.Context, nc *nats.Conn, clusterID string) (<-chan Event, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(Subject(clusterID, "*"), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				var ev Event
				if err := json.Unmarshal(m.Data, &ev); err != nil {
					slog.Default().Debug("dropping malformed event", "subject", m.Subject, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

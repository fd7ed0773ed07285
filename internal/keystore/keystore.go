// Package keystore holds the pool and dataset passphrases of encrypted
// storage and mirrors them to the other controller.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/ozanturksever/failover-manager/internal/alert"
	"github.com/ozanturksever/failover-manager/internal/ha"
)

// ErrNothingToDo is returned when an update or removal names no keys.
var ErrNothingToDo = errors.New("specify pools or datasets")

// Pusher installs copies on the other controller.
type Pusher interface {
	PushKeys(ctx context.Context, bundle ha.KeyBundle) error
	PushKMIPKeys(ctx context.Context, keys map[string]string) error
}

// Alerter raises and clears alert conditions.
type Alerter interface {
	Raise(ctx context.Context, kind alert.Kind, details string) error
	Clear(ctx context.Context, kind alert.Kind) error
}

// Keys is a batch of passphrases to store.
type Keys struct {
	Pools    map[string]string
	Datasets map[string]string
}

// Names is a batch of keys to drop. Dataset names also drop descendants.
type Names struct {
	Pools    []string
	Datasets []string
}

// Store is the process-wide passphrase cache. Every mutation and the push
// that follows it run under one exclusive section, so the peer never sees a
// bundle older than one that was already pushed.
type Store struct {
	peer     Pusher
	alerts   Alerter
	licensed func() bool
	logger   *slog.Logger

	// section serializes mutate-then-push.
	section    sync.Mutex
	keysFailed bool
	kmipFailed bool

	dataMu sync.RWMutex
	bundle ha.KeyBundle
	kmip   map[string]string
}

// New creates an empty store. licensed reports whether this node is
// licensed for HA; pushes are skipped when it returns false.
func New(peer Pusher, alerts Alerter, licensed func() bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if licensed == nil {
		licensed = func() bool { return false }
	}
	return &Store{
		peer:     peer,
		alerts:   alerts,
		licensed: licensed,
		logger:   logger.With("component", "keystore"),
		bundle:   ha.NewKeyBundle(),
		kmip:     map[string]string{},
	}
}

// Bundle returns a copy of the current passphrases. It never waits for a
// push in progress.
func (s *Store) Bundle() ha.KeyBundle {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.bundle.Clone()
}

// KMIPKeys returns a copy of the KMIP session keys.
func (s *Store) KMIPKeys() map[string]string {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return maps.Clone(s.kmip)
}

// Upsert stores one passphrase and pushes the bundle.
func (s *Store) Upsert(ctx context.Context, kind ha.KeyKind, name, passphrase string) error {
	var k Keys
	switch kind {
	case ha.KeyKindPool:
		k.Pools = map[string]string{name: passphrase}
	case ha.KeyKindDataset:
		k.Datasets = map[string]string{name: passphrase}
	default:
		return fmt.Errorf("unknown key kind %q", kind)
	}
	return s.UpsertMany(ctx, k, true)
}

// UpsertMany stores a batch of passphrases and, when push is set, pushes
// the bundle. A failed push is alerted, not returned.
func (s *Store) UpsertMany(ctx context.Context, k Keys, push bool) error {
	if len(k.Pools) == 0 && len(k.Datasets) == 0 {
		return ErrNothingToDo
	}

	s.section.Lock()
	defer s.section.Unlock()

	s.dataMu.Lock()
	maps.Copy(s.bundle.Pools, k.Pools)
	maps.Copy(s.bundle.Datasets, k.Datasets)
	s.dataMu.Unlock()

	if push {
		_ = s.syncLocked(ctx)
	}
	return nil
}

// Remove drops passphrases of one kind and pushes the bundle.
func (s *Store) Remove(ctx context.Context, kind ha.KeyKind, names ...string) error {
	var n Names
	switch kind {
	case ha.KeyKindPool:
		n.Pools = names
	case ha.KeyKindDataset:
		n.Datasets = names
	default:
		return fmt.Errorf("unknown key kind %q", kind)
	}
	return s.RemoveMany(ctx, n, true)
}

// RemoveMany drops a batch of passphrases. Removing dataset "tank/data"
// also removes "tank/data/child" but not "tank/data2".
func (s *Store) RemoveMany(ctx context.Context, n Names, push bool) error {
	if len(n.Pools) == 0 && len(n.Datasets) == 0 {
		return ErrNothingToDo
	}

	s.section.Lock()
	defer s.section.Unlock()

	s.dataMu.Lock()
	for _, p := range n.Pools {
		delete(s.bundle.Pools, p)
	}
	for _, ds := range n.Datasets {
		prefix := ds + "/"
		maps.DeleteFunc(s.bundle.Datasets, func(name, _ string) bool {
			return name == ds || strings.HasPrefix(name, prefix)
		})
	}
	s.dataMu.Unlock()

	if push {
		_ = s.syncLocked(ctx)
	}
	return nil
}

// SetKMIPKeys replaces the KMIP session keys and optionally pushes.
func (s *Store) SetKMIPKeys(ctx context.Context, keys map[string]string, push bool) {
	s.section.Lock()
	defer s.section.Unlock()

	s.dataMu.Lock()
	s.kmip = maps.Clone(keys)
	if s.kmip == nil {
		s.kmip = map[string]string{}
	}
	s.dataMu.Unlock()

	if push {
		_ = s.syncLocked(ctx)
	}
}

// SyncToPeer pushes the full bundle and KMIP keys. The returned error joins
// both push failures; the local copy is untouched either way.
func (s *Store) SyncToPeer(ctx context.Context) error {
	s.section.Lock()
	defer s.section.Unlock()
	return s.syncLocked(ctx)
}

// Replace installs a bundle pushed by the other controller. It waits for a
// local mutate-then-push in progress.
func (s *Store) Replace(b ha.KeyBundle) {
	b = b.Clone()
	s.section.Lock()
	defer s.section.Unlock()
	s.dataMu.Lock()
	s.bundle = b
	s.dataMu.Unlock()
	s.logger.Debug("installed key bundle from peer", "pools", len(b.Pools), "datasets", len(b.Datasets))
}

// ReplaceKMIP installs KMIP keys pushed by the other controller.
func (s *Store) ReplaceKMIP(keys map[string]string) {
	keys = maps.Clone(keys)
	if keys == nil {
		keys = map[string]string{}
	}
	s.section.Lock()
	defer s.section.Unlock()
	s.dataMu.Lock()
	s.kmip = keys
	s.dataMu.Unlock()
}

func (s *Store) syncLocked(ctx context.Context) error {
	if !s.licensed() {
		return nil
	}

	bundle := s.Bundle()
	kmip := s.KMIPKeys()

	var errs []error

	if err := s.peer.PushKeys(ctx, bundle); err != nil {
		s.logger.Error("failed to sync keys with remote node", "error", err)
		if !s.keysFailed {
			s.keysFailed = true
			s.raise(ctx, alert.KindKeysSyncFailed, err)
		}
		errs = append(errs, fmt.Errorf("push keys: %w", err))
	} else if s.keysFailed {
		s.keysFailed = false
		s.clear(ctx, alert.KindKeysSyncFailed)
	}

	if err := s.peer.PushKMIPKeys(ctx, kmip); err != nil {
		s.logger.Error("failed to sync KMIP keys with remote node", "error", err)
		if !s.kmipFailed {
			s.kmipFailed = true
			s.raise(ctx, alert.KindKMIPKeysSyncFailed, err)
		}
		errs = append(errs, fmt.Errorf("push kmip keys: %w", err))
	} else if s.kmipFailed {
		s.kmipFailed = false
		s.clear(ctx, alert.KindKMIPKeysSyncFailed)
	}

	return errors.Join(errs...)
}

func (s *Store) raise(ctx context.Context, kind alert.Kind, cause error) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Raise(ctx, kind, cause.Error()); err != nil {
		s.logger.Error("failed to raise alert", "kind", kind, "error", err)
	}
}

func (s *Store) clear(ctx context.Context, kind alert.Kind) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Clear(ctx, kind); err != nil {
		s.logger.Error("failed to clear alert", "kind", kind, "error", err)
	}
}

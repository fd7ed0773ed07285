package failover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Transfer moves full database snapshots between controllers through a
// JetStream object store bucket. Each controller owns one object name, so
// a newer sync simply overwrites the previous one.
type Transfer struct {
	js        jetstream.JetStream
	clusterID string
	node      ha.Node

	mu    sync.Mutex
	store jetstream.ObjectStore
}

// NewTransfer creates a transfer bound to the cluster's sync bucket.
func NewTransfer(js jetstream.JetStream, clusterID string, node ha.Node) *Transfer {
	return &Transfer{js: js, clusterID: clusterID, node: node}
}

// BucketName returns the object store bucket used for database transfer.
func (t *Transfer) BucketName() string {
	return fmt.Sprintf("failover-%s-sync", t.clusterID)
}

// ObjectName returns the object this controller writes.
func (t *Transfer) ObjectName() string {
	return "database-" + string(t.node)
}

func (t *Transfer) bucket(ctx context.Context) (jetstream.ObjectStore, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store != nil {
		return t.store, nil
	}
	s, err := t.js.ObjectStore(ctx, t.BucketName())
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		s, err = t.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      t.BucketName(),
			Description: "failover database transfer",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open sync bucket: %w", err)
	}
	t.store = s
	return s, nil
}

// Put uploads the file at path and returns the object name.
func (t *Transfer) Put(ctx context.Context, path string) (string, error) {
	b, err := t.bucket(ctx)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	name := t.ObjectName()
	if _, err := b.Put(ctx, jetstream.ObjectMeta{Name: name}, f); err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return name, nil
}

// Fetch downloads object into dir and returns the local file path.
func (t *Transfer) Fetch(ctx context.Context, object, dir string) (string, error) {
	b, err := t.bucket(ctx)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(object)+".sync")
	if err := b.GetFile(ctx, object, dst); err != nil {
		return "", fmt.Errorf("get %s: %w", object, err)
	}
	return dst, nil
}

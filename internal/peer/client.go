package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// DefaultTimeout bounds every request when the caller's context has no
// earlier deadline.
const DefaultTimeout = 5 * time.Second

// Client calls one controller's service. The daemon points it at the other
// controller; the CLI points it at the local one.
type Client struct {
	nc      *nats.Conn
	base    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client for the service of node target in clusterID.
func NewClient(nc *nats.Conn, clusterID string, target ha.Node, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		nc:      nc,
		base:    SubjectBase(clusterID, target),
		timeout: timeout,
		logger:  slog.Default().With("component", "peer-client", "target", string(target)),
	}
}

// Connected reports whether the local NATS link is up. A true result says
// nothing about the peer itself; use Ping for that.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// call sends req as JSON to op and decodes the reply into resp (if non-nil).
func (c *Client) call(ctx context.Context, op string, req, resp any) error {
	if c.nc == nil {
		return classify(op, nats.ErrInvalidConnection)
	}

	var payload []byte
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		payload = data
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.base+"."+op, payload)
	if err != nil {
		c.logger.Debug("peer request failed", "op", op, "error", err)
		return classify(op, err)
	}

	if desc := msg.Header.Get(micro.ErrorHeader); desc != "" {
		return &RemoteError{Op: op, Code: msg.Header.Get(micro.ErrorCodeHeader), Description: desc}
	}

	if resp == nil || len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

func (c *Client) callBool(ctx context.Context, op string) (bool, error) {
	var r boolResponse
	if err := c.call(ctx, op, nil, &r); err != nil {
		return false, err
	}
	return r.Value, nil
}

// Ping checks that the other controller's service answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, OpPing, nil, nil)
}

// SystemReady reports whether the other controller finished booting.
func (c *Client) SystemReady(ctx context.Context) (bool, error) {
	return c.callBool(ctx, OpSystemReady)
}

// Licensed reports whether the other controller is licensed for HA.
func (c *Client) Licensed(ctx context.Context) (bool, error) {
	return c.callBool(ctx, OpLicensed)
}

// Pools returns the runtime pool states of the other controller.
func (c *Client) Pools(ctx context.Context) ([]ha.Pool, error) {
	var pools []ha.Pool
	if err := c.call(ctx, OpPools, nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// ApplyStatement executes one journal entry on the other controller.
func (c *Client) ApplyStatement(ctx context.Context, stmt ha.Statement) error {
	return c.call(ctx, OpApplyStatement, stmt, nil)
}

// PushKeys replaces the other controller's passphrase bundle.
func (c *Client) PushKeys(ctx context.Context, bundle ha.KeyBundle) error {
	return c.call(ctx, OpKeys, bundle, nil)
}

// PushKMIPKeys replaces the other controller's KMIP session keys.
func (c *Client) PushKMIPKeys(ctx context.Context, keys map[string]string) error {
	return c.call(ctx, OpKMIPKeys, keys, nil)
}

// VIPStates returns the per-interface VIP state of the other controller.
func (c *Client) VIPStates(ctx context.Context) (map[string]ha.VIPState, error) {
	var states map[string]ha.VIPState
	if err := c.call(ctx, OpVIPStates, nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Disks lists the disks the other controller can see.
func (c *Client) Disks(ctx context.Context) ([]ha.Disk, error) {
	var disks []ha.Disk
	if err := c.call(ctx, OpDisks, nil, &disks); err != nil {
		return nil, err
	}
	return disks, nil
}

// ForceMaster asks the target to become active. The result is false when it
// already was.
func (c *Client) ForceMaster(ctx context.Context) (bool, error) {
	return c.callBool(ctx, OpForceMaster)
}

// ReceiveDatabase asks the other controller to install a database snapshot
// previously put into the object store.
func (c *Client) ReceiveDatabase(ctx context.Context, object string) error {
	return c.call(ctx, OpReceiveDatabase, DatabaseRequest{Object: object}, nil)
}

// RestartService restarts the supervising service on the other controller.
func (c *Client) RestartService(ctx context.Context) error {
	return c.call(ctx, OpRestartService, nil, nil)
}

// Status returns the administrative status report.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var r StatusReport
	err := c.call(ctx, OpStatus, nil, &r)
	return r, err
}

// Reasons returns the current disabled reasons.
func (c *Client) Reasons(ctx context.Context) ([]ha.Reason, error) {
	var rs []ha.Reason
	if err := c.call(ctx, OpReasons, nil, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Control enables or disables failover. The result is false when failover
// already was in the requested state.
func (c *Client) Control(ctx context.Context, req ControlRequest) (bool, error) {
	var r boolResponse
	err := c.call(ctx, OpControl, req, &r)
	return r.Value, err
}

// Unlock stores passphrases and makes the target active.
func (c *Client) Unlock(ctx context.Context, req UnlockRequest) (bool, error) {
	var r boolResponse
	err := c.call(ctx, OpUnlock, req, &r)
	return r.Value, err
}

// Update changes the failover settings of the target and returns the
// settings now stored.
func (c *Client) Update(ctx context.Context, req UpdateRequest) (Settings, error) {
	var s Settings
	err := c.call(ctx, OpUpdate, req, &s)
	return s, err
}

// UpdateKeys stores passphrases.
func (c *Client) UpdateKeys(ctx context.Context, req KeysRequest) error {
	return c.call(ctx, OpKeysUpdate, req, nil)
}

// RemoveKeys deletes passphrases.
func (c *Client) RemoveKeys(ctx context.Context, req KeysRequest) error {
	return c.call(ctx, OpKeysRemove, req, nil)
}

// SyncToPeer triggers a full configuration transfer to the other controller.
func (c *Client) SyncToPeer(ctx context.Context) error {
	return c.call(ctx, OpSyncToPeer, nil, nil)
}

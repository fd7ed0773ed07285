// Package peer is the link between the two controllers: a typed NATS
// request client and the micro service that answers it. The same service
// also carries the administrative requests issued by the CLI.
package peer

import (
	"fmt"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Endpoint names. Each is served at SubjectBase(cluster, node) + "." + name.
const (
	OpPing            = "ping"
	OpSystemReady     = "system_ready"
	OpLicensed        = "licensed"
	OpPools           = "pools"
	OpApplyStatement  = "apply_statement"
	OpKeys            = "keys"
	OpKMIPKeys        = "kmip_keys"
	OpVIPStates       = "vip_states"
	OpDisks           = "disks"
	OpForceMaster     = "force_master"
	OpReceiveDatabase = "receive_database"
	OpRestartService  = "restart_service"

	OpStatus     = "status"
	OpReasons    = "reasons"
	OpControl    = "control"
	OpKeysUpdate = "keys_update"
	OpKeysRemove = "keys_remove"
	OpSyncToPeer = "sync_to_peer"
	OpUnlock     = "unlock"
	OpUpdate     = "update"
)

// SubjectBase returns the subject prefix served by one controller.
// Format: failover.<cluster_id>.node.<A|B|MANUAL>
func SubjectBase(clusterID string, node ha.Node) string {
	return fmt.Sprintf("failover.%s.node.%s", clusterID, node)
}

// ServiceName returns the micro service name for one controller.
func ServiceName(clusterID string, node ha.Node) string {
	return fmt.Sprintf("failover-%s-%s", clusterID, node)
}

// Control actions.
const (
	ActionEnable  = "ENABLE"
	ActionDisable = "DISABLE"
)

// ControlRequest toggles administrative failover. Active only matters when
// disabling: it names this controller as the one that stays in service.
type ControlRequest struct {
	Action string `json:"action"`
	Active bool   `json:"active"`
}

// KeysRequest updates or removes passphrases of one kind.
type KeysRequest struct {
	Kind  ha.KeyKind        `json:"kind"`
	Keys  map[string]string `json:"keys,omitempty"`
	Names []string          `json:"names,omitempty"`
	// Sync false skips the push to the other controller.
	Sync bool `json:"sync"`
}

// UnlockRequest carries passphrases to store before forcing this
// controller active.
type UnlockRequest struct {
	Pools    map[string]string `json:"pools,omitempty"`
	Datasets map[string]string `json:"datasets,omitempty"`
}

// Master choices of an UpdateRequest.
const (
	MasterUnchanged = ""
	MasterThisNode  = "this"
	MasterLocal     = "local"
	MasterRemote    = "remote"
)

// UpdateRequest changes failover settings. Nil fields are left unchanged.
type UpdateRequest struct {
	Disabled *bool  `json:"disabled,omitempty"`
	Timeout  *int   `json:"timeout,omitempty"`
	Master   string `json:"master,omitempty"`
}

// Settings are the stored failover settings.
type Settings struct {
	Disabled   bool    `json:"disabled"`
	MasterNode ha.Node `json:"masterNode"`
	Timeout    int     `json:"timeout"`
}

// DatabaseRequest points the receiver at a snapshot in the object store.
type DatabaseRequest struct {
	Object string `json:"object"`
}

// StatusReport is the administrative view of one controller.
type StatusReport struct {
	ClusterID      string      `json:"clusterId"`
	Node           ha.Node     `json:"node"`
	Status         ha.Status   `json:"status"`
	Reasons        []ha.Reason `json:"reasons"`
	Licensed       bool        `json:"licensed"`
	Disabled       bool        `json:"disabled"`
	JournalPending int         `json:"journalPending"`
	LastFlushError string      `json:"lastFlushError,omitempty"`
	FenceHolder    ha.Node     `json:"fenceHolder,omitempty"`
	FenceEpoch     int64       `json:"fenceEpoch,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

type boolResponse struct {
	Value bool `json:"value"`
}

package ha

import "maps"

// PoolStatusOffline marks a pool that is known but not imported.
const PoolStatusOffline = "OFFLINE"

// Pool is the runtime state of a storage pool on one controller.
type Pool struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Imported reports whether the pool is imported and usable.
func (p Pool) Imported() bool {
	return p.Status != "" && p.Status != PoolStatusOffline
}

// AnyImported reports whether at least one pool is imported.
func AnyImported(pools []Pool) bool {
	for _, p := range pools {
		if p.Imported() {
			return true
		}
	}
	return false
}

// VIPState is the CARP-like state of a virtual IP on one interface.
type VIPState string

const (
	VIPMaster VIPState = "MASTER"
	VIPBackup VIPState = "BACKUP"
	VIPInit   VIPState = "INIT"
)

// KeyKind selects which half of a KeyBundle an operation targets.
type KeyKind string

const (
	KeyKindPool    KeyKind = "pool"
	KeyKindDataset KeyKind = "dataset"
	// KeyKindKMIP keys are replaced as a whole set.
	KeyKindKMIP KeyKind = "kmip"
)

// KeyBundle carries the encryption passphrases mirrored between controllers.
type KeyBundle struct {
	Pools    map[string]string `json:"pools"`
	Datasets map[string]string `json:"datasets"`
}

// NewKeyBundle returns an empty bundle with both maps allocated.
func NewKeyBundle() KeyBundle {
	return KeyBundle{Pools: map[string]string{}, Datasets: map[string]string{}}
}

// Clone returns a deep copy so callers never share maps with the store.
func (b KeyBundle) Clone() KeyBundle {
	out := NewKeyBundle()
	maps.Copy(out.Pools, b.Pools)
	maps.Copy(out.Datasets, b.Datasets)
	return out
}

// Equal compares two bundles by content.
func (b KeyBundle) Equal(o KeyBundle) bool {
	return maps.Equal(b.Pools, o.Pools) && maps.Equal(b.Datasets, o.Datasets)
}

// Disk identifies a physical disk attached to a controller. Device names may
// differ between controllers, so disks are matched by serial.
type Disk struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
}

// DiskMismatch lists serials present on only one of the two controllers.
type DiskMismatch struct {
	MissingLocal  []string `json:"missingLocal"`
	MissingRemote []string `json:"missingRemote"`
}

// Empty reports whether both sides agree.
func (m DiskMismatch) Empty() bool {
	return len(m.MissingLocal) == 0 && len(m.MissingRemote) == 0
}

// CompareDisks matches two disk sets by serial.
func CompareDisks(local, remote []Disk) DiskMismatch {
	ls := make(map[string]struct{}, len(local))
	for _, d := range local {
		ls[d.Serial] = struct{}{}
	}
	rs := make(map[string]struct{}, len(remote))
	for _, d := range remote {
		rs[d.Serial] = struct{}{}
	}
	var m DiskMismatch
	for _, d := range remote {
		if _, ok := ls[d.Serial]; !ok {
			m.MissingLocal = append(m.MissingLocal, d.Serial)
		}
	}
	for _, d := range local {
		if _, ok := rs[d.Serial]; !ok {
			m.MissingRemote = append(m.MissingRemote, d.Serial)
		}
	}
	return m
}

// VIPStatesDisagree reports whether the two controllers' virtual IP states
// conflict: an interface known to only one side, or both sides MASTER or
// both BACKUP on the same interface.
func VIPStatesDisagree(local, remote map[string]VIPState) bool {
	if len(local) != len(remote) {
		return true
	}
	for iface, ls := range local {
		rs, ok := remote[iface]
		if !ok {
			return true
		}
		if ls == rs && (ls == VIPMaster || ls == VIPBackup) {
			return true
		}
	}
	return false
}

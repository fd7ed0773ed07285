// Package ha holds the domain types shared by the failover components:
// node identity, failover status, disabled reasons and the wire records
// exchanged with the peer controller.
package ha

import (
	"fmt"
	"slices"
	"sort"
)

// Node is the chassis slot a controller occupies.
type Node string

const (
	NodeA      Node = "A"
	NodeB      Node = "B"
	NodeManual Node = "MANUAL"
)

// Valid reports whether n is a known node letter.
func (n Node) Valid() bool {
	return n == NodeA || n == NodeB || n == NodeManual
}

// Other returns the opposite controller. MANUAL has no well-defined peer.
func (n Node) Other() (Node, error) {
	switch n {
	case NodeA:
		return NodeB, nil
	case NodeB:
		return NodeA, nil
	default:
		return "", fmt.Errorf("node %q has no peer", n)
	}
}

// Status is the resolved failover status of the local controller.
type Status string

const (
	StatusMaster    Status = "MASTER"
	StatusBackup    Status = "BACKUP"
	StatusElecting  Status = "ELECTING"
	StatusImporting Status = "IMPORTING"
	StatusError     Status = "ERROR"
	StatusSingle    Status = "SINGLE"
	StatusUnknown   Status = "UNKNOWN"
)

// String returns the status name.
func (s Status) String() string {
	if s == "" {
		return string(StatusUnknown)
	}
	return string(s)
}

// Reason names a condition under which failover is not functional.
type Reason string

const (
	ReasonNoVolume             Reason = "NO_VOLUME"
	ReasonNoVIP                Reason = "NO_VIP"
	ReasonNoSystemReady        Reason = "NO_SYSTEM_READY"
	ReasonNoPong               Reason = "NO_PONG"
	ReasonNoFailover           Reason = "NO_FAILOVER"
	ReasonNoLicense            Reason = "NO_LICENSE"
	ReasonDisagreeCARP         Reason = "DISAGREE_CARP"
	ReasonMismatchDisks        Reason = "MISMATCH_DISKS"
	ReasonNoCriticalInterfaces Reason = "NO_CRITICAL_INTERFACES"
)

// SameReasons compares two reason lists as sets.
func SameReasons(a, b []Reason) bool {
	return slices.Equal(SortedReasons(a), SortedReasons(b))
}

// SortedReasons returns a deduplicated, sorted copy of rs.
func SortedReasons(rs []Reason) []Reason {
	out := slices.Clone(rs)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return slices.Compact(out)
}

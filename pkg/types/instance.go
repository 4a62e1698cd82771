package types

import (
	"strconv"
	"strings"
)

// InstanceState represents the lifecycle state of a fleet instance
type InstanceState string

const (
	InstanceStatePending    InstanceState = "pending"
	InstanceStateRunning    InstanceState = "running"
	InstanceStateStopping   InstanceState = "stopping"
	InstanceStateStopped    InstanceState = "stopped"
	InstanceStateTerminated InstanceState = "terminated"
)

// Instance is the scaler's read-only view of a fleet instance. The fleet
// API is the source of truth; the scaler only reads state and issues
// start/launch/terminate commands.
type Instance struct {
	ID    string        `json:"id"`
	Name  string        `json:"name,omitempty"`
	State InstanceState `json:"state"`
}

// Managed reports whether the instance belongs to the worker pool, i.e.
// its Name tag carries the pool's naming prefix. Unnamed instances are
// never counted toward scaling decisions.
func (i Instance) Managed(prefix string) bool {
	return i.Name != "" && strings.HasPrefix(i.Name, prefix+"-")
}

// ActiveCapacity reports whether the instance counts toward the pool's
// current capacity (running or about to be).
func (i Instance) ActiveCapacity() bool {
	return i.State == InstanceStateRunning || i.State == InstanceStatePending
}

// Ordinal parses the numeric suffix of a managed instance name
// ("<prefix>-7" -> 7). Returns 0 for unmanaged or malformed names.
func (i Instance) Ordinal(prefix string) int {
	if !i.Managed(prefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(i.Name, prefix+"-"))
	if err != nil {
		return 0
	}
	return n
}

// PoolName builds the unique Name tag for the instance with the given
// ordinal within the pool.
func PoolName(prefix string, ordinal int) string {
	return prefix + "-" + strconv.Itoa(ordinal)
}

package models

import (
	"fmt"
	"strconv"
	"time"
)

// BroadcastNodeNum is the reserved destination for channel broadcasts.
const BroadcastNodeNum uint32 = 0xFFFFFFFF

// Node represents a mesh node as observed by the bridge. A record is
// created on first sighting from any packet type; different packet types
// update disjoint attribute subsets (names only ever come from NODEINFO).
type Node struct {
	// NodeNum is the 32-bit node number assigned by the firmware.
	NodeNum uint32 `db:"node_num"`
	// NodeID is the canonical "!"+hex8 form of NodeNum.
	NodeID    string `db:"node_id"`
	LongName  string `db:"long_name"`
	ShortName string `db:"short_name"`
	HwModel   string `db:"hw_model"`
	Role      string `db:"role"`

	// Link quality from the most recent packet heard from this node.
	Snr      *float64 `db:"snr"`
	Rssi     *int64   `db:"rssi"`
	HopsAway *int64   `db:"hops_away"`

	// Geolocation. PositionPrecision holds the precision-bits value the
	// fix was reported with; PositionTime is when the fix was captured.
	Latitude          *float64   `db:"latitude"`
	Longitude         *float64   `db:"longitude"`
	Altitude          *int64     `db:"altitude"`
	PositionPrecision *int64     `db:"position_precision"`
	PositionTime      *time.Time `db:"position_time"`

	// Security flags derived from the node's advertised public key.
	PublicKey       string `db:"public_key"`
	KeyIsLowEntropy bool   `db:"key_is_low_entropy"`
	KeyIsDuplicate  bool   `db:"key_is_duplicate"`

	IsFavorite bool `db:"is_favorite"`
	IsIgnored  bool `db:"is_ignored"`
	// IsMobile marks nodes whose position has moved between fixes.
	IsMobile bool `db:"is_mobile"`

	FirstHeard *time.Time `db:"first_heard"`
	LastHeard  *time.Time `db:"last_heard"`
	// LastTracerouteAt is when the bridge last sent this node a traceroute.
	LastTracerouteAt *time.Time `db:"last_traceroute_at"`
}

// NodeIDFromNum formats a node number as the canonical "!"+hex8 node ID.
func NodeIDFromNum(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// NodeNumFromID parses a canonical "!"+hex8 node ID.
func NodeNumFromID(id string) (uint32, error) {
	if len(id) != 9 || id[0] != '!' {
		return 0, fmt.Errorf("invalid node ID %q", id)
	}
	num, err := strconv.ParseUint(id[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node ID %q", id)
	}
	return uint32(num), nil
}

// HasPosition returns true if the node has a usable fix.
func (n *Node) HasPosition() bool {
	return n.Latitude != nil && n.Longitude != nil
}

// DisplayName returns the best human-readable name for the node.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.NodeID
}

// HasDefaultName reports whether the node still carries the
// firmware-assigned placeholder name ("Meshtastic abcd" / short hex).
func (n *Node) HasDefaultName() bool {
	return HasDefaultName(n.LongName, n.NodeNum)
}

// HasDefaultName reports whether a long name is the firmware-assigned
// placeholder for the given node number.
func HasDefaultName(longName string, nodeNum uint32) bool {
	if longName == "" {
		return true
	}
	return longName == fmt.Sprintf("Meshtastic %04x", nodeNum&0xFFFF)
}

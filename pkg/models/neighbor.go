package models

import "time"

// NeighborEdge is one direct radio link reported by a NEIGHBORINFO
// broadcast: neighborNum was heard directly by nodeNum.
type NeighborEdge struct {
	NodeNum     uint32    `db:"node_num"`
	NeighborNum uint32    `db:"neighbor_num"`
	Snr         *float64  `db:"snr"`
	LastSeen    time.Time `db:"last_seen"`
}
